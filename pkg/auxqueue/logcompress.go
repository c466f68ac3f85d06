package auxqueue

import (
	"context"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/zstd"
)

// LogCompressItem names the plain-text step log to compress in place.
type LogCompressItem struct {
	LogPath string
}

// NewLogCompressQueue returns the log-compressor queue: one worker
// reading LogPath, writing LogPath+".zst" via zstd, and removing the
// original. Grounded on the teacher's pkg/repo/repodata.go zstd usage
// (there a zstd.NewReader decoding repodata; here the writer half of
// the same library compressing a finished step's log).
func NewLogCompressQueue(l hclog.Logger, capacity int) *Queue[LogCompressItem] {
	named := l.Named("logcompress")
	return New(named, "logcompress", capacity, func(ctx context.Context, item LogCompressItem) {
		compressOne(named, item)
	})
}

func compressOne(l hclog.Logger, item LogCompressItem) {
	in, err := os.Open(item.LogPath)
	if err != nil {
		l.Warn("could not open log", "path", item.LogPath, "error", err)
		return
	}
	defer in.Close()

	outPath := item.LogPath + ".zst"
	out, err := os.Create(outPath)
	if err != nil {
		l.Warn("could not create output", "path", outPath, "error", err)
		return
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		l.Warn("could not start encoder", "error", err)
		return
	}

	if _, err := io.Copy(enc, in); err != nil {
		l.Warn("copy failed", "path", item.LogPath, "error", err)
		enc.Close()
		return
	}
	if err := enc.Close(); err != nil {
		l.Warn("encoder close failed", "error", err)
		return
	}

	if err := os.Remove(item.LogPath); err != nil {
		l.Warn("could not remove original", "path", item.LogPath, "error", err)
	}
}
