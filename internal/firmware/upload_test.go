package firmware

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/testutil/testlog"
)

type recordingSender struct {
	mu       sync.Mutex
	commands []string
	chunks   []map[string]any
	status   string
	postErr  error
}

func (s *recordingSender) SendCommand(_ context.Context, _ string, commandType string, _ map[string]any) (frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, commandType)
	status := s.status
	if status == "" {
		status = "success"
	}
	return frame.Frame{frame.FieldType: commandType + "_response", frame.FieldStatus: status}, nil
}

func (s *recordingSender) Post(_ string, frameType string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.postErr != nil {
		return s.postErr
	}
	if frameType == TypeChunk {
		s.chunks = append(s.chunks, payload)
	}
	return nil
}

func TestUploadChunksAndReassembles(t *testing.T) {
	testlog.Start(t)
	sender := &recordingSender{}
	u := NewUploader(sender, Options{ChunkSize: 4, ChunkDelay: time.Millisecond})
	image := []byte("0123456789")

	var reports []Progress
	res, err := u.Upload(context.Background(), "robot1", Image{Filename: "fw.bin", Version: "1.0.1", Data: image}, func(p Progress) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.Chunks != 3 || res.Bytes != len(image) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(sender.commands) != 2 || sender.commands[0] != TypeStart || sender.commands[1] != TypeComplete {
		t.Fatalf("unexpected command sequence: %v", sender.commands)
	}

	var rebuilt []byte
	for i, c := range sender.chunks {
		if c["chunk_index"] != i || c["total_chunks"] != 3 {
			t.Fatalf("chunk %d header: %v", i, c)
		}
		part, err := base64.StdEncoding.DecodeString(c["data"].(string))
		if err != nil {
			t.Fatalf("chunk %d decode: %v", i, err)
		}
		rebuilt = append(rebuilt, part...)
	}
	if !bytes.Equal(rebuilt, image) {
		t.Fatalf("reassembled image mismatch: %q", rebuilt)
	}
	if len(reports) != 3 || reports[2].Percent != 100 || reports[0].Percent != 33 {
		t.Fatalf("unexpected progress: %+v", reports)
	}
}

func TestUploadStopsOnRejectionAndCancel(t *testing.T) {
	testlog.Start(t)
	u := NewUploader(&recordingSender{status: "failed"}, Options{ChunkSize: 4})
	if _, err := u.Upload(context.Background(), "robot1", Image{Data: []byte("abcdef")}, nil); !errors.Is(err, ErrUploadRejected) {
		t.Fatalf("expected ErrUploadRejected, got %v", err)
	}
	if _, err := u.Upload(context.Background(), "robot1", Image{}, nil); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}

	sender := &recordingSender{}
	slow := NewUploader(sender, Options{ChunkSize: 1, ChunkDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := slow.Upload(ctx, "robot1", Image{Data: []byte("abc")}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sender.chunks) != 1 {
		t.Fatalf("expected one chunk before cancel, got %d", len(sender.chunks))
	}

	broken := NewUploader(&recordingSender{postErr: errors.New("not connected")}, Options{})
	if _, err := broken.Upload(context.Background(), "robot1", Image{Data: []byte("x")}, nil); err == nil {
		t.Fatalf("chunk send failure should fail the upload")
	}
}
