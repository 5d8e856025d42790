package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

const copyChunkSize = 1 << 20

var copyBufPool = sync.Pool{
	New: func() any { return make([]byte, copyChunkSize) },
}

// CopyResult describes a finished CopyThrottled.
type CopyResult struct {
	Bytes  int64
	SHA256 [sha256.Size]byte
}

// CopyThrottled copies srcPath to dstPath at no more than bytesPerSec (0
// means unlimited) and syncs the destination. The checksum covers the bytes
// written.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, bytesPerSec int64) (CopyResult, error) {
	var res CopyResult
	src, err := os.Open(srcPath)
	if err != nil {
		return res, fmt.Errorf("%w: opening %s: %v", ErrIO, srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return res, fmt.Errorf("%w: creating %s: %v", ErrIO, dstPath, err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		burst := copyChunkSize
		if bytesPerSec < int64(burst) {
			burst = int(bytesPerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}

	buf := copyBufPool.Get().([]byte)
	defer copyBufPool.Put(buf)
	sum := sha256.New()
	for {
		n, rerr := src.ReadAt(buf, res.Bytes)
		for done := 0; done < n; {
			chunk := n - done
			if limiter != nil {
				// WaitN rejects requests above the burst
				chunk = min(chunk, limiter.Burst())
				if err := limiter.WaitN(ctx, chunk); err != nil {
					return res, err
				}
			}
			if _, err := dst.Write(buf[done : done+chunk]); err != nil {
				return res, fmt.Errorf("%w: writing %s: %v", ErrIO, dstPath, err)
			}
			sum.Write(buf[done : done+chunk])
			done += chunk
		}
		res.Bytes += int64(n)

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return res, fmt.Errorf("%w: reading %s: %v", ErrIO, srcPath, rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return res, fmt.Errorf("%w: syncing %s: %v", ErrIO, dstPath, err)
	}
	copy(res.SHA256[:], sum.Sum(nil))
	return res, nil
}
