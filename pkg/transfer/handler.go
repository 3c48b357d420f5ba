package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/server"
)

var (
	ErrPathEscape   = errors.New("transfer: path escapes the file root")
	ErrNoSession    = errors.New("transfer: no upload session")
	ErrPacketOrder  = errors.New("transfer: packet out of order")
	ErrPacketLength = errors.New("transfer: invalid packet length")
)

// DefaultFinishedRetention is how long a finished upload keeps its verdict.
const DefaultFinishedRetention = time.Minute

// Handler serves the transfer instructions from a root directory.
//
// Uploads are kept as sessions keyed by file name from the header until
// the last packet, an abort or a new header for the same name. A finished
// session remembers its verdict for the retention period so that a
// retried last packet gets the same answer, and is forgotten after it.
type Handler struct {
	root      string
	logger    log.Logger
	clock     clock.Clock
	retention time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu      sync.Mutex
	header  Message
	hasher  Hasher
	target  string
	tmp     *os.File
	next    uint32
	done    bool
	verdict Flag
	ended   time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

func WithHandlerLogger(l log.Logger) HandlerOption {
	return func(h *Handler) { h.logger = log.OrNoop(l) }
}

func WithHandlerClock(c clock.Clock) HandlerOption {
	return func(h *Handler) { h.clock = c }
}

// WithFinishedRetention sets how long finished uploads answer retried
// last packets. Non-positive values keep the default.
func WithFinishedRetention(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.retention = d
		}
	}
}

// NewHandler serves files below root, which must be an existing directory.
func NewHandler(root string, opts ...HandlerOption) (*Handler, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("transfer root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("transfer root %s: not a directory", abs)
	}
	h := &Handler{
		root:      abs,
		logger:    log.NewNoopLogger(),
		clock:     clock.New(),
		retention: DefaultFinishedRetention,
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register installs the four transfer instructions on mux.
func (h *Handler) Register(mux *server.Mux) {
	mux.Handle(DownloadHeader, h.wrap(h.downloadHeader))
	mux.Handle(DownloadData, h.wrap(h.downloadData))
	mux.Handle(UploadHeader, h.wrap(h.uploadHeader))
	mux.Handle(UploadData, h.wrap(h.uploadData))
}

func (h *Handler) wrap(fn func(Message) (Message, error)) server.HandlerFunc {
	return func(_ context.Context, input []byte) ([]byte, error) {
		req, err := DecodeMessage(input)
		if err != nil {
			return nil, err
		}
		reply, err := fn(req)
		if err != nil {
			return nil, err
		}
		return reply.Encode(), nil
	}
}

// Close drops every open upload session.
func (h *Handler) Close() error {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.discard()
		s.mu.Unlock()
	}
	return nil
}

// resolve maps a client path to a file below the root.
func (h *Handler) resolve(name string) (string, error) {
	rel := filepath.FromSlash(strings.TrimLeft(name, "/"))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	return filepath.Join(h.root, rel), nil
}

func (h *Handler) downloadHeader(req Message) (Message, error) {
	path, err := h.resolve(req.Path)
	if err != nil {
		return Message{}, err
	}
	hasher, err := HasherByName(req.HashAlgo)
	if err != nil {
		return Message{}, err
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Message{Flag: FlagFileNotFound}, nil
	}
	sum, err := HashFile(hasher, path)
	if err != nil {
		return Message{}, err
	}
	if len(req.Hash) > 0 && bytes.Equal(req.Hash, sum) {
		return Message{Flag: FlagNoNeedDownload}, nil
	}

	packetLength := clampPacketLength(req.PacketLength)
	length := uint64(info.Size())
	count, err := PacketCount(length, packetLength)
	if err != nil {
		return Message{}, err
	}
	return Message{
		FileName:     filepath.Base(path),
		FileLength:   length,
		PacketLength: packetLength,
		PacketCount:  count,
		Hash:         sum,
		HashAlgo:     hasher.Name(),
	}, nil
}

func clampPacketLength(n uint32) uint32 {
	switch {
	case n == 0:
		return DefaultPacketLength
	case n > MaxPacketLength:
		return MaxPacketLength
	default:
		return n
	}
}

func (h *Handler) downloadData(req Message) (Message, error) {
	path, err := h.resolve(req.Path)
	if err != nil {
		return Message{}, err
	}
	if req.PacketLength == 0 || req.PacketLength > MaxPacketLength {
		return Message{}, fmt.Errorf("%w: %d", ErrPacketLength, req.PacketLength)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Message{Flag: FlagFileNotFound}, nil
		}
		return Message{}, err
	}
	defer f.Close()

	buf := make([]byte, req.PacketLength)
	n, err := f.ReadAt(buf, int64(req.PacketNo)*int64(req.PacketLength))
	if err != nil && !errors.Is(err, io.EOF) {
		return Message{}, err
	}
	return Message{PacketNo: req.PacketNo, Data: buf[:n]}, nil
}

func (h *Handler) uploadHeader(req Message) (Message, error) {
	target, err := h.resolve(req.FileName)
	if err != nil {
		return Message{}, err
	}
	hasher, err := HasherByName(req.HashAlgo)
	if err != nil {
		return Message{}, err
	}
	count, err := PacketCount(req.FileLength, req.PacketLength)
	if err != nil || req.PacketCount != count ||
		req.PacketLength > MaxPacketLength || (req.FileLength > 0 && req.PacketLength == 0) {
		return Message{}, fmt.Errorf("%w: %d x %d for %d bytes",
			ErrPacketLength, req.PacketCount, req.PacketLength, req.FileLength)
	}
	h.drop(req.FileName)
	h.prune()

	if sum, err := HashFile(hasher, target); err == nil && bytes.Equal(sum, req.Hash) {
		return Message{Flag: FlagNoNeedDownload}, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Message{Flag: FlagMoveFailed}, nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".part-*")
	if err != nil {
		return Message{Flag: FlagMoveFailed}, nil
	}

	s := &session{header: req, hasher: hasher, target: target, tmp: tmp}
	if req.PacketCount == 0 {
		return Message{Flag: s.finish(h.logger)}, nil
	}
	h.mu.Lock()
	h.sessions[req.FileName] = s
	h.mu.Unlock()
	return Message{PacketCount: req.PacketCount}, nil
}

func (h *Handler) uploadData(req Message) (Message, error) {
	if req.Flag == FlagAbort {
		h.drop(req.FileName)
		h.logger.Info("upload aborted", log.String("file", req.FileName))
		return Message{Flag: FlagAbort}, nil
	}
	h.prune()

	h.mu.Lock()
	s, ok := h.sessions[req.FileName]
	h.mu.Unlock()
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrNoSession, req.FileName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A retried packet whose reply was lost.
	if req.PacketNo+1 == s.next {
		if s.done {
			return Message{PacketNo: req.PacketNo, Flag: s.verdict}, nil
		}
		return Message{PacketNo: req.PacketNo}, nil
	}
	if s.done || req.PacketNo != s.next {
		return Message{}, fmt.Errorf("%w: got %d want %d", ErrPacketOrder, req.PacketNo, s.next)
	}
	if uint64(len(req.Data)) != expectedLength(s.header, req.PacketNo) {
		return Message{}, fmt.Errorf("%w: packet %d has %d bytes", ErrPacketLength, req.PacketNo, len(req.Data))
	}
	if _, err := s.tmp.WriteAt(req.Data, int64(req.PacketNo)*int64(s.header.PacketLength)); err != nil {
		s.discard()
		h.forget(req.FileName, s)
		return Message{PacketNo: req.PacketNo, Flag: FlagMoveFailed}, nil
	}
	s.next++

	if s.next < s.header.PacketCount {
		return Message{PacketNo: req.PacketNo}, nil
	}
	verdict := s.finish(h.logger)
	s.ended = h.clock.Now()
	return Message{PacketNo: req.PacketNo, Flag: verdict}, nil
}

// drop discards the session for name, if any.
func (h *Handler) drop(name string) {
	h.mu.Lock()
	s, ok := h.sessions[name]
	delete(h.sessions, name)
	h.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.discard()
		s.mu.Unlock()
	}
}

func (h *Handler) forget(name string, s *session) {
	h.mu.Lock()
	if h.sessions[name] == s {
		delete(h.sessions, name)
	}
	h.mu.Unlock()
}

// prune forgets finished sessions older than the retention period.
func (h *Handler) prune() {
	h.mu.Lock()
	held := make(map[string]*session, len(h.sessions))
	for name, s := range h.sessions {
		held[name] = s
	}
	h.mu.Unlock()

	now := h.clock.Now()
	for name, s := range held {
		s.mu.Lock()
		expired := s.done && now.Sub(s.ended) >= h.retention
		s.mu.Unlock()
		if expired {
			h.forget(name, s)
		}
	}
}

// Sessions returns the number of uploads still in progress.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	held := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		held = append(held, s)
	}
	h.mu.Unlock()

	n := 0
	for _, s := range held {
		s.mu.Lock()
		if !s.done {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// finish verifies the assembled file and moves it into place. Callers hold
// s.mu.
func (s *session) finish(logger log.Logger) Flag {
	s.done = true
	s.verdict = s.commit()
	logger.Info("upload finished",
		log.String("file", s.header.FileName),
		log.Uint64("bytes", s.header.FileLength),
		log.Int("flag", int(s.verdict)),
	)
	return s.verdict
}

func (s *session) commit() Flag {
	name := s.tmp.Name()
	if _, err := s.tmp.Seek(0, io.SeekStart); err != nil {
		s.discard()
		return FlagHashMismatch
	}
	sum, err := hashReader(s.hasher, s.tmp)
	if err != nil || !bytes.Equal(sum, s.header.Hash) {
		s.discard()
		return FlagHashMismatch
	}
	if err := s.tmp.Close(); err != nil {
		os.Remove(name)
		s.tmp = nil
		return FlagMoveFailed
	}
	s.tmp = nil
	if err := os.Rename(name, s.target); err != nil {
		os.Remove(name)
		return FlagMoveFailed
	}
	return FlagProceed
}

// discard closes and removes the temporary file.
func (s *session) discard() {
	if s.tmp == nil {
		return
	}
	name := s.tmp.Name()
	s.tmp.Close()
	os.Remove(name)
	s.tmp = nil
}
