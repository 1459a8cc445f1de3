package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"crowdfund/internal/app"
	"crowdfund/internal/config"
	"crowdfund/internal/journal"
	"crowdfund/internal/logging"
	"crowdfund/internal/notify"
	"crowdfund/internal/reconciler"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "众筹活动对账工具",
		Long:  `手动推进活动生命周期：结束到期活动、向达标活动的发起人放款、向未达标活动的捐款人退款`,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	runCmd := &cobra.Command{
		Use:       "run [end|release|refund|all]",
		Short:     "执行一次对账轮次",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{reconciler.PassEnd, reconciler.PassRelease, reconciler.PassRefund, "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "all"
			if len(args) == 1 {
				name = args[0]
			}
			return runPass(name)
		},
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "从工厂合约导入全部活动",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(reconciler.PassImport)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "查看各轮次最近一次执行情况",
		RunE:  showStatus,
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "查看已广播但未确认的交易",
		RunE:  showPending,
	}

	rootCmd.AddCommand(runCmd, importCmd, statusCmd, pendingCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志器失败: %w", err)
	}
	return cfg, logger, nil
}

func runPass(name string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if err := cfg.ReconcilerReady(); err != nil {
		return err
	}

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	mgr := a.Shutdown
	mgr.ListenSignals()
	defer func() { _ = mgr.Shutdown() }()

	// 命令行进程没有在线会话，只发布到Kafka
	rec := a.NewReconciler(notify.NewFanout(nil, a.Publisher, logger))

	ctx := mgr.Context()
	if cfg.Scheduler.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Scheduler.PassTimeout)
		defer cancel()
	}

	results, runErr := rec.Run(ctx, name)
	printResults(results)
	if runErr != nil {
		return fmt.Errorf("对账失败: %w", runErr)
	}
	return nil
}

func printResults(results []*reconciler.PassResult) {
	for _, result := range results {
		if result == nil {
			continue
		}
		fmt.Printf("📋 轮次 %s (耗时 %s)\n", result.Pass, result.Duration.Round(time.Millisecond))
		fmt.Println(strings.Repeat("=", 50))
		fmt.Printf("%-20s: %d\n", "候选活动", result.Eligible)
		fmt.Printf("%-20s: %d\n", "成功", result.Succeeded)
		fmt.Printf("%-20s: %d\n", "跳过", result.Skipped)
		fmt.Printf("%-20s: %d\n", "失败", result.Failed)
		if result.Aborted {
			fmt.Println("⚠️  轮次被中断")
		}
		for _, o := range result.Outcomes {
			if o.Status == reconciler.OutcomeSuccess && o.TxHash == "" {
				continue
			}
			line := fmt.Sprintf("  %s %-8s %s", o.Campaign, o.Status, o.Reason)
			if o.TxHash != "" {
				line += " tx=" + o.TxHash
			}
			fmt.Println(line)
		}
		fmt.Println()
	}
}

// openJournal 只读查询不需要连接节点
func openJournal() (*journal.Journal, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	return journal.Open(cfg.Journal.Path, logger)
}

func showStatus(cmd *cobra.Command, args []string) error {
	jr, err := openJournal()
	if err != nil {
		return err
	}
	defer jr.Close()

	fmt.Println("📊 对账轮次状态")
	fmt.Println(strings.Repeat("=", 50))

	for _, name := range []string{reconciler.PassEnd, reconciler.PassRelease, reconciler.PassRefund, reconciler.PassImport} {
		run, ok := jr.LastRun(name)
		if !ok {
			fmt.Printf("%-10s: 尚未执行\n", name)
			continue
		}
		state := "完成"
		if run.Aborted {
			state = "中断"
		}
		fmt.Printf("%-10s: %s 于 %s，候选 %d，成功 %d，跳过 %d，失败 %d，累计 %d 次\n",
			name, state, run.FinishTime.Format(time.RFC3339),
			run.Eligible, run.Succeeded, run.Skipped, run.Failed, run.TotalRuns)
	}
	return nil
}

func showPending(cmd *cobra.Command, args []string) error {
	jr, err := openJournal()
	if err != nil {
		return err
	}
	defer jr.Close()

	pending, err := jr.List()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("没有待确认的交易")
		return nil
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].SubmittedAt.Before(pending[j].SubmittedAt) })

	now := time.Now()
	fmt.Printf("⏳ 待确认交易 %d 笔\n", len(pending))
	fmt.Println(strings.Repeat("=", 50))
	for _, s := range pending {
		fmt.Printf("%-8s %s %s (%s前)\n", s.Method, s.Contract, s.TxHash, s.Age(now).Round(time.Second))
	}
	return nil
}
