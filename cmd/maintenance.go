package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepTimeout int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "执行一次卡死任务清理",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		timeout := a.cfg.Queue.StuckTimeoutMinutes
		if sweepTimeout > 0 {
			timeout = sweepTimeout
		}
		result, err := a.sweeper.SweepStuckTasks(cmd.Context(), timeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "清理 %d 个卡死任务，失败 %d 个，释放孤立锁 %d 个\n",
			len(result.Swept), len(result.Errors), result.OrphanLocks)
		for _, id := range result.Swept {
			fmt.Fprintln(cmd.OutOrStdout(), "  "+id)
		}
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "释放全部锁并将处理中的任务置为失败，只能在所有 worker 停止后执行",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.sweeper.Recover(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "释放锁 %d 个，失败任务 %d 个，失败内容 %d 个，关闭计时 %d 条\n",
			report.LocksReleased, report.QueueFailed, report.ContentFailed, report.TimeLogsClosed)
		return nil
	},
}

func init() {
	sweepCmd.Flags().IntVar(&sweepTimeout, "timeout", 0, "卡死判定时长（分钟），默认使用配置")
	rootCmd.AddCommand(sweepCmd, recoverCmd)
}
