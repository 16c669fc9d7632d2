package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maxpert/sluice/transport"
)

// Consecutive offset corrections accepted before a file transfer fails
const maxOffsetResumes = 3

type fileTransfer struct {
	path    string
	modPath string
}

// sendFile streams the optional mod file and the data file in pieces, then
// seals the transfer
func (c *AsyncConnector) sendFile(ctx context.Context, client transport.Client, ft fileTransfer) (*transport.Response, error) {
	seal := transport.FileSealBody{FileName: filepath.Base(ft.path)}

	if ft.modPath != "" {
		n, err := c.sendPieces(ctx, client, ft.modPath)
		if err != nil {
			return nil, err
		}
		seal.ModFileName = filepath.Base(ft.modPath)
		seal.ModLength = n
	}

	n, err := c.sendPieces(ctx, client, ft.path)
	if err != nil {
		return nil, err
	}
	seal.Length = n

	req, err := transport.NewRequest(transport.RequestFileSeal, seal)
	if err != nil {
		return nil, err
	}
	resp, err := client.Transfer(ctx, req).Get()
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", seal.FileName, err)
	}
	if err := resp.Err(); err != nil {
		return nil, fmt.Errorf("seal %s: %w", seal.FileName, err)
	}
	return resp, nil
}

// sendPieces sends path piece by piece and returns its length. When the
// receiver reports a different end offset the transfer resumes from there.
func (c *AsyncConnector) sendPieces(ctx context.Context, client transport.Client, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	name := filepath.Base(path)
	buf := make([]byte, c.cfg.FilePieceBytes)
	var offset int64
	resumes := 0

	for {
		n, rerr := f.ReadAt(buf, offset)
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return 0, fmt.Errorf("read %s: %w", path, rerr)
		}
		if n == 0 {
			return offset, nil
		}

		req := &transport.Request{
			Type:     transport.RequestFilePiece,
			FileName: name,
			Offset:   offset,
			Body:     append([]byte(nil), buf[:n]...),
		}
		resp, err := client.Transfer(ctx, req).Get()
		if err != nil {
			return 0, fmt.Errorf("send piece of %s at %d: %w", name, offset, err)
		}

		if resp.Status == transport.StatusOffsetMismatch {
			resumes++
			if resumes > maxOffsetResumes || resp.EndOffset < 0 {
				return 0, fmt.Errorf("receiver keeps rejecting offsets of %s (at %d, receiver at %d)", name, offset, resp.EndOffset)
			}
			offset = resp.EndOffset
			continue
		}
		if err := resp.Err(); err != nil {
			return 0, fmt.Errorf("send piece of %s at %d: %w", name, offset, err)
		}

		resumes = 0
		offset += int64(n)
		if rerr != nil {
			return offset, nil
		}
	}
}
