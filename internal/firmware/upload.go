// Package firmware streams firmware images to robots as base64 chunks.
//
// An upload is bracketed by two correlated commands (firmware_update_start
// and firmware_update_complete). Chunks in between are fire-and-forget and
// paced by a fixed delay; robots do not acknowledge individual chunks.
package firmware

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/rs/zerolog"
)

const (
	DefaultChunkSize  = 1024
	DefaultChunkDelay = 100 * time.Millisecond
	// NoChunkDelay disables pacing between chunks.
	NoChunkDelay time.Duration = -1

	TypeStart    = "firmware_update_start"
	TypeChunk    = "firmware_chunk"
	TypeComplete = "firmware_update_complete"
)

var (
	ErrEmptyImage     = errors.New("firmware: empty image")
	ErrUploadRejected = errors.New("firmware: upload rejected")
)

// Sender is the subset of the fleet service an upload needs.
type Sender interface {
	SendCommand(ctx context.Context, endpointID, commandType string, payload map[string]any) (frame.Frame, error)
	Post(endpointID, frameType string, payload map[string]any) error
}

type Options struct {
	ChunkSize int
	// ChunkDelay paces chunks; zero selects DefaultChunkDelay.
	ChunkDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkDelay == 0 {
		o.ChunkDelay = DefaultChunkDelay
	}
	return o
}

// Image is one firmware binary.
type Image struct {
	Filename string
	Version  string
	Data     []byte
}

// Progress is reported after every chunk.
type Progress struct {
	EndpointID string `json:"endpoint_id"`
	Chunk      int    `json:"chunk"`
	Total      int    `json:"total"`
	Percent    int    `json:"percent"`
}

// Result summarizes a finished upload.
type Result struct {
	EndpointID string        `json:"endpoint_id"`
	Bytes      int           `json:"bytes"`
	Chunks     int           `json:"chunks"`
	Elapsed    time.Duration `json:"elapsed"`
	Reply      frame.Frame   `json:"reply,omitempty"`
}

type Uploader struct {
	sender Sender
	opts   Options
	log    zerolog.Logger
}

func NewUploader(sender Sender, opts Options) *Uploader {
	return &Uploader{sender: sender, opts: opts.withDefaults(), log: logging.Component("firmware")}
}

// ChunkCount returns the number of chunks needed for size bytes.
func (u *Uploader) ChunkCount(size int) int {
	return (size + u.opts.ChunkSize - 1) / u.opts.ChunkSize
}

// Upload sends img to endpointID. progress may be nil. Cancelling ctx stops
// the transfer between chunks; the robot is left to time out the update.
func (u *Uploader) Upload(ctx context.Context, endpointID string, img Image, progress func(Progress)) (Result, error) {
	if len(img.Data) == 0 {
		return Result{}, ErrEmptyImage
	}
	started := time.Now()
	total := u.ChunkCount(len(img.Data))
	header := map[string]any{
		"robot_id":      endpointID,
		"binary_format": true,
	}

	startPayload := withFields(header, map[string]any{
		"filename":     img.Filename,
		"filesize":     len(img.Data),
		"version":      img.Version,
		"total_chunks": total,
		"chunk_size":   u.opts.ChunkSize,
	})
	reply, err := u.sender.SendCommand(ctx, endpointID, TypeStart, startPayload)
	if err != nil {
		return Result{}, fmt.Errorf("firmware: start %s: %w", endpointID, err)
	}
	if err := replyError(reply); err != nil {
		return Result{}, err
	}
	u.log.Info().Str("endpoint", endpointID).Str("file", img.Filename).Int("bytes", len(img.Data)).Int("chunks", total).Msg("firmware.Uploader started")

	for i := 0; i < total; i++ {
		if i > 0 && u.opts.ChunkDelay > 0 {
			timer := time.NewTimer(u.opts.ChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{}, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		lo := i * u.opts.ChunkSize
		hi := min(lo+u.opts.ChunkSize, len(img.Data))
		chunk := withFields(header, map[string]any{
			"chunk_index":  i,
			"total_chunks": total,
			"data":         base64.StdEncoding.EncodeToString(img.Data[lo:hi]),
		})
		if err := u.sender.Post(endpointID, TypeChunk, chunk); err != nil {
			return Result{}, fmt.Errorf("firmware: chunk %d/%d to %s: %w", i+1, total, endpointID, err)
		}
		if progress != nil {
			progress(Progress{EndpointID: endpointID, Chunk: i + 1, Total: total, Percent: (i + 1) * 100 / total})
		}
		if i%10 == 0 || i == total-1 {
			u.log.Debug().Str("endpoint", endpointID).Int("chunk", i+1).Int("total", total).Msg("firmware.Uploader chunk sent")
		}
	}

	reply, err = u.sender.SendCommand(ctx, endpointID, TypeComplete, withFields(header, nil))
	if err != nil {
		return Result{}, fmt.Errorf("firmware: complete %s: %w", endpointID, err)
	}
	if err := replyError(reply); err != nil {
		return Result{}, err
	}
	res := Result{EndpointID: endpointID, Bytes: len(img.Data), Chunks: total, Elapsed: time.Since(started), Reply: reply}
	u.log.Info().Str("endpoint", endpointID).Int("chunks", total).Dur("elapsed", res.Elapsed).Msg("firmware.Uploader complete")
	return res, nil
}

func withFields(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// replyError rejects replies whose status is not a success variant. The
// correlator already maps status=error; robots also answer "failed".
func replyError(reply frame.Frame) error {
	status, _ := reply.String(frame.FieldStatus)
	switch strings.ToLower(status) {
	case "", "success", "ok", "executed", "forwarded":
		return nil
	default:
		msg, _ := reply.String(frame.FieldMessage)
		return fmt.Errorf("%w: status=%s %s", ErrUploadRejected, status, msg)
	}
}
