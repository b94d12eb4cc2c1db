package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spa_call_booking/internal/config"
	"spa_call_booking/internal/logger"
	"spa_call_booking/internal/simulator"
	"spa_call_booking/internal/utils"
)

type simulateOptions struct {
	url      string
	phone    string
	pcapFile string
	frames   int
	interval time.Duration
	linger   time.Duration
	verbose  bool
}

func newSimulateCommand() *cobra.Command {
	opts := simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "模拟Twilio媒体流拨入一通电话",
		Long:  "以Twilio Media Streams协议连接服务，发送抓包文件中的PCMU音频或静音帧，并统计收到的回复音频。",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulate(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/media-stream", "媒体流地址")
	cmd.Flags().StringVar(&opts.phone, "phone", "+390000000000", "主叫号码")
	cmd.Flags().StringVar(&opts.pcapFile, "pcap", "", "包含PCMU RTP流的pcap/pcapng文件")
	cmd.Flags().IntVar(&opts.frames, "frames", 250, "未指定pcap时发送的静音帧数")
	cmd.Flags().DurationVar(&opts.interval, "interval", 20*time.Millisecond, "帧间隔")
	cmd.Flags().DurationVar(&opts.linger, "linger", 5*time.Second, "音频发完后继续等待回复的时间")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "输出调试日志")
	return cmd
}

func simulate(ctx context.Context, opts simulateOptions) error {
	logCfg := config.Default().Log
	if opts.verbose {
		logCfg.Level = "debug"
		logCfg.Development = true
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	frames, err := loadFrames(opts)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	res, err := simulator.Run(ctx, simulator.Config{
		URL:         opts.url,
		CallerPhone: opts.phone,
		Frames:      frames,
		Interval:    opts.interval,
		Linger:      opts.linger,
	}, log)
	if err != nil {
		return err
	}

	log.Info("模拟通话结束",
		zap.String("call_sid", res.CallSID),
		zap.String("stream_sid", res.StreamSID))
	fmt.Printf("发送帧数: %d\n收到音频: %d 帧 / %d 字节\n收到clear: %d\n",
		res.FramesSent, res.MediaReceived, res.BytesReceived, res.Clears)
	return nil
}

// loadFrames 从抓包读取PCMU帧，未指定文件时生成静音
func loadFrames(opts simulateOptions) ([][]byte, error) {
	if opts.pcapFile == "" {
		return utils.SilenceFrames(opts.frames, utils.ULawFrameSize), nil
	}

	reader, err := utils.NewPCAPReader(opts.pcapFile)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	packets, err := reader.ReadRTP(utils.PayloadTypePCMU)
	if err != nil {
		return nil, err
	}
	if len(packets) == 0 {
		return nil, fmt.Errorf("%s 中没有PCMU RTP包", opts.pcapFile)
	}
	return utils.ULawFrames(packets, utils.ULawFrameSize), nil
}
