package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/aihub/rag-assistant/internal/conversation"
	"github.com/aihub/rag-assistant/internal/ingest"
)

func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <dir>...",
		Short: "Ingest directories and re-ingest files as they change",
		Long:  `Run an initial ingestion, then watch the directories and re-ingest changed files. Unchanged content is skipped by hash.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  runWatch,
	}
	cmd.Flags().Duration("debounce", 500*time.Millisecond, "Debounce window for batching changes")
	return cmd
}

func runWatch(cmd *cobra.Command, dirs []string) error {
	debounce, _ := cmd.Flags().GetDuration("debounce")

	return withRuntime(cmd, func(ctx context.Context, rt *appEnv) error {
		return rt.container.Invoke(func(p *ingest.Pipeline) error {
			out := cmd.OutOrStdout()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()

			for _, dir := range dirs {
				if err := addWatchDirs(watcher, dir); err != nil {
					return fmt.Errorf("add watch dirs: %w", err)
				}
			}

			report, err := p.Ingest(ctx, dirs)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, conversation.FormatReport(report))
			fmt.Fprintf(out, "Watching %s for changes...\n", strings.Join(dirs, ", "))

			timer := time.NewTimer(debounce)
			timer.Stop()
			pending := make(map[string]struct{})

			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !watchTarget(watcher, event) {
						continue
					}
					if len(pending) == 0 {
						timer.Reset(debounce)
					}
					pending[event.Name] = struct{}{}
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
				case <-timer.C:
					paths := changedPaths(pending)
					clear(pending)
					if len(paths) == 0 {
						continue
					}
					report, err := p.Ingest(ctx, paths)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, conversation.FormatReport(report))
				}
			}
		})
	})
}

func addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
}

// watchTarget 新建目录加入监听并整体入库，其余只处理受支持文件
func watchTarget(watcher *fsnotify.Watcher, event fsnotify.Event) bool {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = addWatchDirs(watcher, event.Name)
			return true
		}
	}
	return shouldIngest(event)
}

// shouldIngest 只关心受支持文件的写入和创建
func shouldIngest(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	_, ok := ingest.FileType(base)
	return ok
}

// changedPaths 去掉已不存在的路径并排序
func changedPaths(pending map[string]struct{}) []string {
	paths := make([]string, 0, len(pending))
	for path := range pending {
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}
	slices.Sort(paths)
	return paths
}
