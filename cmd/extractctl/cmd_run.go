package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"extracthub/internal/app"
	"extracthub/internal/jobs"
	"extracthub/internal/routing"
	"extracthub/internal/worker"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	runTenant   string
	runWorkers  []string
	runSections string
	runOutput   string
)

// runCmd 在当前进程内同步执行一次抽取
var runCmd = &cobra.Command{
	Use:   "run <document-id>",
	Short: "同步执行文档抽取",
	Long: `读取 <pages_dir>/<document-id>/ 下的页面图片，路由并并行执行 worker，
结果写入数据库并以 JSON 输出。

--sections 指定章节目录文件（YAML 或 JSON，含 level_1/level_2/level_3），
未指定时尝试从文档目录中的 source.pdf 识别章节。`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sections, err := readSections(runSections)
		if err != nil {
			return err
		}
		return withContainer(cmd, false, func(ctx context.Context, c *app.Container) error {
			job, runErr := c.Jobs.Execute(ctx, jobs.SubmitRequest{
				TenantID:   runTenant,
				DocumentID: args[0],
				Workers:    runWorkers,
				Sections:   sections,
			})
			if job == nil {
				return runErr
			}
			if err := writeJob(job, runOutput); err != nil {
				return err
			}
			return runErr
		})
	},
}

// workerCmd 独立的队列消费进程
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "启动抽取任务队列消费者",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withContainer(cmd, true, func(_ context.Context, c *app.Container) error {
			if c.Redis == nil {
				return fmt.Errorf("队列消费者需要可用的 Redis")
			}
			srv := worker.NewServer(c.Config.Redis, c.Config.Queue, c.Jobs, c.Logger)
			if err := srv.Start(); err != nil {
				return err
			}
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			srv.Shutdown()
			return nil
		})
	},
}

func init() {
	runCmd.Flags().StringVarP(&runTenant, "tenant", "t", "", "租户 ID（必填）")
	runCmd.Flags().StringSliceVarP(&runWorkers, "workers", "w", nil, "只运行指定 worker，默认全部")
	runCmd.Flags().StringVarP(&runSections, "sections", "s", "", "章节目录文件")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "结果输出文件，默认标准输出")
	_ = runCmd.MarkFlagRequired("tenant")

	// 消费者常驻运行
	workerCmd.PreRun = func(*cobra.Command, []string) { timeout = 0 }
}

// readSections 读取章节目录，YAML 是 JSON 的超集，统一按 YAML 解析
func readSections(path string) (routing.SectionMap, error) {
	if path == "" {
		return routing.SectionMap{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return routing.SectionMap{}, fmt.Errorf("读取章节目录失败: %w", err)
	}
	var m routing.SectionMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return routing.SectionMap{}, fmt.Errorf("解析章节目录失败: %w", err)
	}
	return m, nil
}

func writeJob(job *jobs.Job, path string) error {
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		_, err = fmt.Fprintln(os.Stdout, string(out))
		return err
	}
	return os.WriteFile(path, out, 0o644)
}
