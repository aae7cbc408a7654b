package main

import (
	"context"
	"crimewatch-go/internal/capture"
	"crimewatch-go/internal/config"
	"crimewatch-go/pkg/log"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type recordFlags struct {
	source     string
	duration   time.Duration
	preview    string
	chunkBytes int
	serverURL  string
	token      string
	userID     string
	lat        float64
	lng        float64
	accuracy   float64
}

func recordCmd(cfg *config.Config) *cobra.Command {
	f := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "record an emergency session from a media file and stream it to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := cfg.Capture
			if f.serverURL != "" {
				cc.ServerURL = f.serverURL
			}
			if f.token != "" {
				cc.Token = f.token
			}
			if f.userID != "" {
				cc.UserID = f.userID
			}
			var geo capture.Geolocator
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng") {
				geo = capture.StaticGeolocator{Latitude: f.lat, Longitude: f.lng, Accuracy: f.accuracy}
			}
			return runRecord(cmd.Context(), cc, f, geo)
		},
	}
	cmd.Flags().StringVar(&f.source, "source", "", "作为摄像头输入的录像文件")
	cmd.Flags().DurationVar(&f.duration, "duration", 10*time.Second, "录制时长，收到 SIGINT 时提前结束")
	cmd.Flags().StringVar(&f.preview, "preview", "", "本地预览文件的输出路径")
	cmd.Flags().IntVar(&f.chunkBytes, "chunk-bytes", 64<<10, "每个时间片从源文件读取的字节数")
	cmd.Flags().StringVar(&f.serverURL, "server", "", "接收服务地址，覆盖 capture.server_url")
	cmd.Flags().StringVar(&f.token, "token", "", "访问令牌，覆盖 capture.token")
	cmd.Flags().StringVar(&f.userID, "user-id", "", "当前用户 ID，覆盖 capture.user_id")
	cmd.Flags().Float64Var(&f.lat, "lat", 0, "纬度")
	cmd.Flags().Float64Var(&f.lng, "lng", 0, "经度")
	cmd.Flags().Float64Var(&f.accuracy, "accuracy", 20, "定位精度（米）")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runRecord(ctx context.Context, cc config.CaptureConfig, f *recordFlags, geo capture.Geolocator) error {
	device := capture.NewExclusiveDevice(capture.NewFileDevice(f.source, f.chunkBytes))
	return record(ctx, cc, f, device, geo)
}

func record(ctx context.Context, cc config.CaptureConfig, f *recordFlags, device capture.MediaDevice, geo capture.Geolocator) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cc.Token == "" || cc.UserID == "" {
		return fmt.Errorf("%w: set capture.token and capture.user_id", capture.ErrAuthRequired)
	}

	// fatal 在编码器故障时关闭，录制不再等满 duration
	fatal := make(chan struct{})
	var fatalOnce sync.Once
	listener := func(ev capture.Event) {
		if ev.Type == capture.EventFatal {
			fatalOnce.Do(func() { close(fatal) })
		}
		printEvent(ev)
	}
	uploader := capture.NewUploader(capture.UploaderConfig{
		ServerURL:     cc.ServerURL,
		Token:         cc.Token,
		UserID:        cc.UserID,
		EmergencyType: cc.EmergencyType,
		Timeout:       cc.UploadTimeout,
		Retries:       cc.UploadRetries,
	})
	session := capture.NewSession(capture.Options{
		UserID:           cc.UserID,
		Device:           device,
		Uploader:         uploader,
		Location:         capture.NewLocationProbe(geo, cc.LocationTimeout, cc.LocationMaxAge),
		Listener:         listener,
		ChunkInterval:    cc.ChunkInterval,
		CountdownSeconds: cc.CountdownSeconds,
		UploadTimeout:    cc.UploadTimeout,
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID, err := session.Start(sigCtx)
	if err != nil {
		if errors.Is(err, capture.ErrCancelled) {
			fmt.Println("录制已取消")
			return nil
		}
		return err
	}
	fmt.Printf("正在录制, session: %s\n", sessionID)

	timer := time.NewTimer(f.duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-sigCtx.Done():
		fmt.Println("收到中断信号，停止录制")
	case <-fatal:
		fmt.Println("设备故障，录制已停止")
	}

	stopErr := session.Stop()
	if stopErr != nil {
		log.Warnf("停止录制时部分设备释放失败: %v", stopErr)
	}
	session.Wait()

	stats := session.Stats()
	// 没有分片成功上传时服务端不存在这个会话
	if stats.ChunksUploaded > 0 {
		status := "completed"
		select {
		case <-fatal:
			status = "failed"
		default:
		}
		finishCtx, cancel := context.WithTimeout(context.Background(), cc.UploadTimeout)
		if err := uploader.FinishSession(finishCtx, sessionID, status); err != nil {
			log.Warnf("结束会话失败, session: %s, error: %v", sessionID, err)
		}
		cancel()
	}

	if f.preview != "" {
		if err := writePreview(session, f.preview); err != nil {
			return err
		}
		fmt.Printf("本地预览已保存: %s\n", f.preview)
	}

	fmt.Printf("录制结束, session: %s, 已上传 %d/%d 个分片\n", sessionID, stats.ChunksUploaded, stats.ChunksProduced)
	if stats.HasFailures() {
		fmt.Printf("警告: %d 个分片上传失败，最后一个错误: %s\n", stats.ChunksFailed, stats.LastError)
	}
	return nil
}

func writePreview(session *capture.Session, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create preview: %w", err)
	}
	if _, err := session.WritePreview(out); err != nil {
		_ = out.Close()
		return fmt.Errorf("write preview: %w", err)
	}
	return out.Close()
}

func printEvent(ev capture.Event) {
	switch ev.Type {
	case capture.EventCountdown:
		fmt.Printf("%d...\n", ev.Countdown)
	case capture.EventLocation:
		fmt.Printf("位置: %s\n", ev.Message)
	case capture.EventChunkUploaded:
		fmt.Printf("分片 %d 已上传, 累计 %d 字节\n", ev.ChunkIndex, ev.Response.TotalSize)
	case capture.EventChunkFailed:
		fmt.Printf("分片 %d 上传失败: %v\n", ev.ChunkIndex, ev.Err)
	case capture.EventFatal:
		fmt.Printf("录制错误: %v\n", ev.Err)
	}
}
