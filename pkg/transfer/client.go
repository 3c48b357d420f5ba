// Package transfer implements the chunked file transfer protocol.
//
// A transfer has two phases over one pool. The header phase is a single
// instruction carrying the file metadata; the server answers with the
// packet count or a verdict (file not found, no need to transfer). The
// data phase moves the file one packet per instruction, strictly in
// order. Downloads are assembled in a temporary file next to the
// destination, verified against the header hash and renamed into place,
// so the destination is never observed half written.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bft-labs/devlink/pkg/instruction"
	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/pool"
)

// DefaultPacketLength is the packet size proposed by clients.
const DefaultPacketLength = 1 << 20

// MaxPacketLength keeps a data reply well inside one frame.
const MaxPacketLength = 8 << 20

// Progress is called after every transferred packet with the zero-based
// number of that packet. Returning false aborts the transfer.
type Progress func(packetCount, packetNo uint32, fileLength uint64, fileName string) bool

// Executor runs a sync instruction with call-site retries. *pool.Pool is
// an Executor.
type Executor interface {
	ExecuteWithRetry(ctx context.Context, desc *instruction.Description, timeout time.Duration, r pool.Retry) (*instruction.Context, error)
}

// Recorder receives transfer results.
type Recorder interface {
	TransferDone(direction string, result Result, bytes uint64)
}

// Client drives transfers through an Executor.
type Client struct {
	exec         Executor
	retry        pool.Retry
	timeout      time.Duration
	packetLength uint32
	hasher       Hasher
	logger       log.Logger
	recorder     Recorder
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithRetry(r pool.Retry) ClientOption { return func(c *Client) { c.retry = r } }

// WithTimeout sets the per-instruction timeout. Zero lets the pool derive
// one from the device.
func WithTimeout(d time.Duration) ClientOption { return func(c *Client) { c.timeout = d } }

func WithPacketLength(n uint32) ClientOption { return func(c *Client) { c.packetLength = n } }

func WithHasher(h Hasher) ClientOption { return func(c *Client) { c.hasher = h } }

func WithLogger(l log.Logger) ClientOption { return func(c *Client) { c.logger = log.OrNoop(l) } }

func WithRecorder(r Recorder) ClientOption { return func(c *Client) { c.recorder = r } }

// NewClient creates a transfer client.
func NewClient(exec Executor, opts ...ClientOption) *Client {
	c := &Client{
		exec:         exec,
		retry:        pool.DefaultRetry(),
		packetLength: DefaultPacketLength,
		hasher:       MD5,
		logger:       log.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.packetLength == 0 || c.packetLength > MaxPacketLength {
		c.packetLength = DefaultPacketLength
	}
	return c
}

// call runs one transfer instruction and decodes the reply.
func (c *Client) call(ctx context.Context, name string, req Message) (Message, error) {
	out, err := c.exec.ExecuteWithRetry(ctx, instruction.New(name, req.Encode()), c.timeout, c.retry)
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(out.Output)
}

func (c *Client) done(direction, name string, result Result, n uint64, err error) {
	fields := []log.Field{
		log.String("direction", direction),
		log.String("file", name),
		log.String("result", result.String()),
		log.Uint64("bytes", n),
	}
	if err != nil {
		fields = append(fields, log.Err(err))
	}
	c.logger.Info("transfer finished", fields...)
	if c.recorder != nil {
		c.recorder.TransferDone(direction, result, n)
	}
}

// Download fetches remotePath into localPath.
//
// The destination is only ever replaced by a complete, verified file.
// When localPath already holds the same content the server answers
// NoNeedDownload and nothing is transferred.
func (c *Client) Download(ctx context.Context, remotePath, localPath string, progress Progress) (Result, error) {
	var received uint64
	result, err := c.download(ctx, remotePath, localPath, progress, &received)
	c.done("download", remotePath, result, received, err)
	return result, err
}

func (c *Client) download(ctx context.Context, remotePath, localPath string, progress Progress, received *uint64) (Result, error) {
	var localHash []byte
	if _, err := os.Stat(localPath); err == nil {
		if localHash, err = HashFile(c.hasher, localPath); err != nil {
			return fail(CommunicationError, fmt.Errorf("hash local file: %w", err))
		}
	}

	header, err := c.call(ctx, DownloadHeader, Message{
		Path:         remotePath,
		PacketLength: c.packetLength,
		Hash:         localHash,
		HashAlgo:     c.hasher.Name(),
	})
	if err != nil {
		return fail(CommunicationError, fmt.Errorf("header: %w", err))
	}
	switch header.Flag {
	case FlagProceed:
	case FlagFileNotFound:
		return fail(FileNotFound, errors.New(remotePath))
	case FlagNoNeedDownload:
		return NoNeedDownload, nil
	default:
		return fail(CommunicationError, fmt.Errorf("header: unexpected flag %d", header.Flag))
	}
	if count, err := PacketCount(header.FileLength, header.PacketLength); err != nil ||
		header.PacketLength == 0 || header.PacketCount != count {
		return fail(CommunicationError, fmt.Errorf("header: inconsistent packet layout %d x %d for %d bytes",
			header.PacketCount, header.PacketLength, header.FileLength))
	}

	dir, base := filepath.Split(localPath)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".part-*")
	if err != nil {
		return fail(MoveFailed, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
		}
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	for no := uint32(0); no < header.PacketCount; no++ {
		packet, err := c.call(ctx, DownloadData, Message{Path: remotePath, PacketNo: no, PacketLength: header.PacketLength})
		if err != nil {
			return fail(CommunicationError, fmt.Errorf("packet %d: %w", no, err))
		}
		if packet.PacketNo != no || uint64(len(packet.Data)) != expectedLength(header, no) {
			return fail(CommunicationError, fmt.Errorf("packet %d: got packet %d with %d bytes", no, packet.PacketNo, len(packet.Data)))
		}
		if _, err := tmp.Write(packet.Data); err != nil {
			return fail(MoveFailed, fmt.Errorf("write temp file: %w", err))
		}
		*received += uint64(len(packet.Data))

		if progress != nil && !progress(header.PacketCount, no, header.FileLength, header.FileName) {
			return fail(Abort, nil)
		}
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fail(MD5Failed, err)
	}
	sum, err := hashReader(c.hasher, tmp)
	if err != nil {
		return fail(MD5Failed, err)
	}
	if !bytes.Equal(sum, header.Hash) {
		return fail(MD5Failed, fmt.Errorf("got %x want %x", sum, header.Hash))
	}
	if err := tmp.Close(); err != nil {
		tmp = nil
		return fail(MoveFailed, err)
	}
	tmp = nil
	if err := os.Rename(tmpName, localPath); err != nil {
		return fail(MoveFailed, err)
	}
	tmpName = ""
	return Succeed, nil
}

func expectedLength(h Message, no uint32) uint64 {
	start := uint64(no) * uint64(h.PacketLength)
	if rest := h.FileLength - start; rest < uint64(h.PacketLength) {
		return rest
	}
	return uint64(h.PacketLength)
}

// Upload pushes localPath to the server as remoteName. The server verifies
// the hash after the last packet and reports MD5Failed or MoveFailed back.
func (c *Client) Upload(ctx context.Context, localPath, remoteName string, progress Progress) (Result, error) {
	var sent uint64
	result, err := c.upload(ctx, localPath, remoteName, progress, &sent)
	c.done("upload", remoteName, result, sent, err)
	return result, err
}

func (c *Client) upload(ctx context.Context, localPath, remoteName string, progress Progress, sent *uint64) (Result, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return fail(FileNotFound, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fail(FileNotFound, err)
	}
	sum, err := hashReader(c.hasher, f)
	if err != nil {
		return fail(CommunicationError, fmt.Errorf("hash local file: %w", err))
	}

	length := uint64(info.Size())
	count, err := PacketCount(length, c.packetLength)
	if err != nil {
		return fail(CommunicationError, err)
	}
	header, err := c.call(ctx, UploadHeader, Message{
		FileName:     remoteName,
		FileLength:   length,
		PacketLength: c.packetLength,
		PacketCount:  count,
		Hash:         sum,
		HashAlgo:     c.hasher.Name(),
	})
	if err != nil {
		return fail(CommunicationError, fmt.Errorf("header: %w", err))
	}
	if r, done := verdict(header.Flag); done {
		if r == Succeed || r == NoNeedDownload {
			return r, nil
		}
		return fail(r, nil)
	}
	if count == 0 {
		return Succeed, nil
	}

	buf := make([]byte, c.packetLength)
	for no := uint32(0); no < count; no++ {
		n, err := f.ReadAt(buf, int64(no)*int64(c.packetLength))
		if err != nil && !errors.Is(err, io.EOF) {
			return fail(CommunicationError, fmt.Errorf("read packet %d: %w", no, err))
		}
		reply, err := c.call(ctx, UploadData, Message{FileName: remoteName, PacketNo: no, Data: buf[:n]})
		if err != nil {
			return fail(CommunicationError, fmt.Errorf("packet %d: %w", no, err))
		}
		if reply.PacketNo != no {
			return fail(CommunicationError, fmt.Errorf("packet %d: reply for packet %d", no, reply.PacketNo))
		}
		*sent += uint64(n)

		if r, done := verdict(reply.Flag); done {
			return fail(r, nil)
		}
		if progress != nil && !progress(count, no, length, remoteName) {
			c.abortUpload(ctx, remoteName)
			return fail(Abort, nil)
		}
	}
	return Succeed, nil
}

// verdict maps a reply flag to a final result. done is false for
// FlagProceed.
func verdict(f Flag) (Result, bool) {
	switch f {
	case FlagProceed:
		return Succeed, false
	case FlagFileNotFound:
		return FileNotFound, true
	case FlagNoNeedDownload:
		return NoNeedDownload, true
	case FlagHashMismatch:
		return MD5Failed, true
	case FlagMoveFailed:
		return MoveFailed, true
	case FlagAbort:
		return Abort, true
	default:
		return CommunicationError, true
	}
}

// abortUpload tells the server to drop the upload session. Failures are
// only logged; the server also drops sessions when a new header arrives.
func (c *Client) abortUpload(ctx context.Context, remoteName string) {
	_, err := c.call(ctx, UploadData, Message{FileName: remoteName, Flag: FlagAbort})
	if err != nil {
		c.logger.Warn("upload abort not delivered",
			log.String("file", remoteName),
			log.Err(err),
		)
	}
}
