package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "spa_call_booking",
	Short: "Spa电话预约服务",
	Long:  "接听Twilio来电，把语音转发给OpenAI Realtime模型，并通过工具调用完成Spa时段预约。",
}

func main() {
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSimulateCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
