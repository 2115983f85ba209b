// Package transfer implements the session substrate's transfer engine
// (C8): chunked upload/download over a borrowed SFTP sub-session, coalesced
// progress reporting, chunk-level retry, cooperative cancellation, and
// pause/resume across a C5 reconnection. It also hosts the supplemental
// edit-then-upload staging feature: ephemeral file staging for
// edit-then-upload, outside the caching this engine otherwise avoids.
//
// Grounded on the internal/terminal/sftp.go (sftp.Client usage
// shape) and internal/fileutil.ResolveSafePath (path safety), adapted from
// a local-app-data root to a staging root.
package transfer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/events"
	"github.com/websoft9/termsub/internal/fileutil"
	"github.com/websoft9/termsub/internal/sftpqueue"
	"github.com/websoft9/termsub/internal/substraterr"
)

// Config carries C8's tunables from internal/config.Config.
type Config struct {
	ChunkSize        int64
	ChunkMaxRetries  int
	ProgressBatchN   int
	ProgressInterval time.Duration
	StagingRoot      string // staging directory, see StageForEdit
}

// Direction discriminates upload from download.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Request describes a single file transfer.
type Request struct {
	ID         string
	TabID      string
	Direction  Direction
	LocalPath  string
	RemotePath string
	Size       int64 // 0 if unknown
}

// Engine runs transfers against SFTP sub-sessions handed to it by the
// caller (sftppool.Borrow), publishing progress/completion on bus.
type Engine struct {
	cfg Config
	bus *events.Bus
	log zerolog.Logger

	mu        sync.Mutex
	active    map[string]bool // transferID -> in flight
	cancelled map[string]bool // transferID -> user requested cancel
}

func NewEngine(cfg Config, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		bus:       bus,
		log:       log.With().Str("component", "transfer").Logger(),
		active:    make(map[string]bool),
		cancelled: make(map[string]bool),
	}
}

// Cancel marks id as user-cancelled; the running transfer observes this at
// its next chunk boundary.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	e.cancelled[id] = true
	e.mu.Unlock()
}

func (e *Engine) isCancelled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[id]
}

func (e *Engine) track(id string) {
	e.mu.Lock()
	e.active[id] = true
	e.mu.Unlock()
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.active, id)
	delete(e.cancelled, id)
	e.mu.Unlock()
}

// Run executes req to completion (or failure/cancellation) using client. It
// resumes from resumeOffset on the local side when the caller is retrying
// after a transport loss and the remote side supports appends; resumeOffset
// is always 0 for a fresh request.
func (e *Engine) Run(ctx context.Context, client *sftp.Client, req Request, resumeOffset int64) error {
	e.track(req.ID)
	defer e.forget(req.ID)

	var err error
	if req.Direction == Upload {
		err = e.upload(ctx, client, req, resumeOffset)
	} else {
		err = e.download(ctx, client, req, resumeOffset)
	}

	e.bus.PublishTransferComplete(events.TransferComplete{TransferID: req.ID, Err: err})
	return err
}

func (e *Engine) upload(ctx context.Context, client *sftp.Client, req Request, resumeOffset int64) error {
	local, err := os.Open(req.LocalPath)
	if err != nil {
		return substraterr.Wrap(substraterr.TransferFailed, "transfer: open local file", err)
	}
	defer local.Close()

	flags := os.O_WRONLY | os.O_CREATE
	if resumeOffset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	remote, err := client.OpenFile(req.RemotePath, flags)
	if err != nil {
		return substraterr.Wrap(substraterr.TransferFailed, "transfer: open remote file", err)
	}
	defer remote.Close()

	if resumeOffset > 0 {
		if _, err := local.Seek(resumeOffset, io.SeekStart); err != nil {
			return substraterr.Wrap(substraterr.TransferFailed, "transfer: seek local file to resume offset", err)
		}
	}

	total := req.Size
	if total == 0 {
		if fi, err := local.Stat(); err == nil {
			total = fi.Size()
		}
	}

	return e.copyChunked(ctx, req, remote, local, resumeOffset, total)
}

func (e *Engine) download(ctx context.Context, client *sftp.Client, req Request, resumeOffset int64) error {
	remote, err := client.Open(req.RemotePath)
	if err != nil {
		return substraterr.Wrap(substraterr.TransferFailed, "transfer: open remote file", err)
	}
	defer remote.Close()

	total := req.Size
	if total == 0 {
		if fi, err := remote.Stat(); err == nil {
			total = fi.Size()
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if resumeOffset > 0 {
		flags |= os.O_APPEND
		if _, err := remote.Seek(resumeOffset, io.SeekStart); err != nil {
			return substraterr.Wrap(substraterr.TransferFailed, "transfer: seek remote file to resume offset", err)
		}
	} else {
		flags |= os.O_TRUNC
	}

	if err := os.MkdirAll(filepath.Dir(req.LocalPath), 0o755); err != nil {
		return substraterr.Wrap(substraterr.TransferFailed, "transfer: create local directory", err)
	}
	local, err := os.OpenFile(req.LocalPath, flags, 0o644)
	if err != nil {
		return substraterr.Wrap(substraterr.TransferFailed, "transfer: open local file", err)
	}
	defer local.Close()

	return e.copyChunked(ctx, req, local, remote, resumeOffset, total)
}

// copyChunked streams src into dst in cfg.ChunkSize pieces, retrying a
// failed chunk up to ChunkMaxRetries times before giving up, reporting
// coalesced progress, and polling for cancellation between chunks.
func (e *Engine) copyChunked(ctx context.Context, req Request, dst io.Writer, src io.Reader, startOffset, total int64) error {
	chunkSize := e.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 256 << 10
	}
	buf := make([]byte, chunkSize)

	reporter := newProgressReporter(e.bus, req.ID, total, e.cfg.ProgressBatchN, e.cfg.ProgressInterval)
	defer reporter.flush()

	done := startOffset
	for {
		if e.isCancelled(req.ID) {
			return substraterr.New(substraterr.CancelledUser, "transfer: cancelled by user")
		}
		select {
		case <-ctx.Done():
			return substraterr.Wrap(substraterr.CancelledClose, "transfer: context cancelled", ctx.Err())
		default:
		}

		n, readErr := e.readChunkWithRetry(src, buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return substraterr.Wrap(substraterr.TransferFailed, "transfer: write chunk", writeErr)
			}
			done += int64(n)
			reporter.report(done)
		}
		if readErr == io.EOF {
			reporter.flush()
			return nil
		}
		if readErr != nil {
			return substraterr.Wrap(substraterr.TransferFailed, "transfer: read chunk", readErr)
		}
	}
}

// readChunkWithRetry retries a failed chunk read up to ChunkMaxRetries
// times (bounded attempts) before failing the whole transfer.
func (e *Engine) readChunkWithRetry(src io.Reader, buf []byte) (int, error) {
	var lastErr error
	attempts := e.cfg.ChunkMaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		n, err := src.Read(buf)
		if err == nil || err == io.EOF {
			return n, err
		}
		lastErr = err
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return 0, lastErr
}

// progressReporter coalesces report calls: emit on >= N events or every
// interval, whichever comes first.
type progressReporter struct {
	bus        *events.Bus
	transferID string
	total      int64
	batchN     int
	interval   time.Duration

	count     int
	lastEmit  time.Time
	lastBytes int64
	emitBytes int64 // BytesDone as of the previous emit, the baseline for the next rate calc
	lastRate  int64 // bytes/sec as of the previous emit, held over when a round has zero elapsed time
}

func newProgressReporter(bus *events.Bus, transferID string, total int64, batchN int, interval time.Duration) *progressReporter {
	if batchN <= 0 {
		batchN = 20
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &progressReporter{bus: bus, transferID: transferID, total: total, batchN: batchN, interval: interval, lastEmit: time.Now()}
}

func (r *progressReporter) report(bytesDone int64) {
	r.count++
	r.lastBytes = bytesDone
	if r.count >= r.batchN || time.Since(r.lastEmit) >= r.interval {
		r.emit()
	}
}

func (r *progressReporter) flush() {
	if r.count > 0 {
		r.emit()
	}
}

func (r *progressReporter) emit() {
	now := time.Now()
	if elapsed := now.Sub(r.lastEmit); elapsed > 0 {
		r.lastRate = int64(float64(r.lastBytes-r.emitBytes) / elapsed.Seconds())
	}
	var eta time.Duration
	if r.lastRate > 0 && r.total > r.lastBytes {
		eta = time.Duration(float64(r.total-r.lastBytes)/float64(r.lastRate)) * time.Second
	}
	r.bus.PublishTransferProgress(events.TransferProgress{
		TransferID: r.transferID,
		BytesDone:  r.lastBytes,
		Rate:       r.lastRate,
		ETA:        eta,
		BytesTotal: r.total,
	})
	r.count = 0
	r.emitBytes = r.lastBytes
	r.lastEmit = now
}

// StageForEdit downloads remotePath from client into a fresh file under the
// staging root and returns its local path. Only CommitEdit removes a staged
// file; nothing clears the staging root at startup or exit, so a file that
// is never committed outlives the process. Staging is an explicit exception
// to this engine's otherwise no-caching stance.
func (e *Engine) StageForEdit(ctx context.Context, client *sftp.Client, remotePath string) (string, error) {
	rel := fmt.Sprintf("%s-%s", uuid.NewString(), filepath.Base(remotePath))
	localPath, err := fileutil.ResolveSafePath(e.cfg.StagingRoot, rel)
	if err != nil {
		return "", substraterr.Wrap(substraterr.Unknown, "transfer: resolve staging path", err)
	}

	req := Request{ID: uuid.NewString(), Direction: Download, LocalPath: localPath, RemotePath: remotePath}
	if err := e.Run(ctx, client, req, 0); err != nil {
		return "", err
	}
	return localPath, nil
}

// CommitEdit re-uploads a file previously returned by StageForEdit to
// remotePath, then removes the staging file regardless of outcome.
func (e *Engine) CommitEdit(ctx context.Context, client *sftp.Client, localTempPath, remotePath string) error {
	defer os.Remove(localTempPath)

	req := Request{ID: uuid.NewString(), Direction: Upload, LocalPath: localTempPath, RemotePath: remotePath}
	return e.Run(ctx, client, req, 0)
}

// ActiveTransferCount reports how many transfers the engine currently has
// in flight.
func (e *Engine) ActiveTransferCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// FileEntry is one file discovered while enumerating a folder or multi-file
// transfer, paired on both sides of the transport.
type FileEntry struct {
	LocalPath  string
	RemotePath string
	Size       int64
}

// EnumerateLocalDir walks localRoot and returns every regular file beneath
// it, with RemotePath computed relative to remoteRoot. Used for
// upload-folder requests.
func (e *Engine) EnumerateLocalDir(localRoot, remoteRoot string) ([]FileEntry, error) {
	var entries []FileEntry
	err := filepath.WalkDir(localRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(localRoot, path)
		if relErr != nil {
			return relErr
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		entries = append(entries, FileEntry{
			LocalPath:  path,
			RemotePath: filepath.ToSlash(filepath.Join(remoteRoot, rel)),
			Size:       info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, substraterr.Wrap(substraterr.TransferFailed, "transfer: enumerate local folder", err)
	}
	return entries, nil
}

// EnumerateRemoteDir walks remoteRoot over client and returns every regular
// file beneath it, with LocalPath resolved under localRoot. Used for
// download-folder requests. Grounded on the recursive sftp.Client.Walk
// pattern used for remote file search, skipping subtrees it can't read
// rather than failing the whole enumeration.
func (e *Engine) EnumerateRemoteDir(client *sftp.Client, remoteRoot, localRoot string) ([]FileEntry, error) {
	var entries []FileEntry
	walker := client.Walk(remoteRoot)
	for walker.Step() {
		if walker.Err() != nil {
			continue
		}
		fi := walker.Stat()
		if fi.IsDir() {
			continue
		}
		rel, err := filepath.Rel(remoteRoot, walker.Path())
		if err != nil {
			return nil, substraterr.Wrap(substraterr.TransferFailed, "transfer: resolve remote relative path", err)
		}
		localPath, err := fileutil.ResolveSafePath(localRoot, filepath.ToSlash(rel))
		if err != nil {
			return nil, substraterr.Wrap(substraterr.TransferFailed, "transfer: resolve local staging path", err)
		}
		entries = append(entries, FileEntry{
			LocalPath:  localPath,
			RemotePath: walker.Path(),
			Size:       fi.Size(),
		})
	}
	return entries, nil
}

// DispatchFiles submits one queue item per entry, each inheriting tabID and
// priority from the parent folder/multi-file request, and returns a result
// channel per file in the same order as entries. This is the
// enumerate-then-dispatch step shared by upload-folder, download-folder, and
// upload-multifile: every file becomes an independent queue item, so one
// file failing doesn't abort its siblings.
func (e *Engine) DispatchFiles(queue *sftpqueue.Queue, client *sftp.Client, tabID string, direction Direction, entries []FileEntry, priority sftpqueue.Priority) []<-chan sftpqueue.Result {
	opType := sftpqueue.OpUpload
	if direction == Download {
		opType = sftpqueue.OpDownload
	}

	results := make([]<-chan sftpqueue.Result, len(entries))
	for i, entry := range entries {
		entry := entry
		req := Request{
			ID:         uuid.NewString(),
			TabID:      tabID,
			Direction:  direction,
			LocalPath:  entry.LocalPath,
			RemotePath: entry.RemotePath,
			Size:       entry.Size,
		}
		results[i] = queue.Submit(sftpqueue.Request{
			TabID:    tabID,
			Type:     opType,
			Path:     entry.RemotePath,
			Priority: priority,
			FileSize: entry.Size,
			Run: func(ctx context.Context) (any, error) {
				return nil, e.Run(ctx, client, req, 0)
			},
		})
	}
	return results
}

// DispatchFolder enumerates localRoot (upload) or remoteRoot (download) and
// dispatches one queue item per file found, implementing upload-folder and
// download-folder.
func (e *Engine) DispatchFolder(queue *sftpqueue.Queue, client *sftp.Client, tabID string, direction Direction, localRoot, remoteRoot string, priority sftpqueue.Priority) ([]<-chan sftpqueue.Result, error) {
	var entries []FileEntry
	var err error
	if direction == Upload {
		entries, err = e.EnumerateLocalDir(localRoot, remoteRoot)
	} else {
		entries, err = e.EnumerateRemoteDir(client, remoteRoot, localRoot)
	}
	if err != nil {
		return nil, err
	}
	return e.DispatchFiles(queue, client, tabID, direction, entries, priority), nil
}

// DispatchMultiFile dispatches an explicit, caller-chosen set of files
// (rather than a whole directory tree) as individual queue items,
// implementing upload-multifile.
func (e *Engine) DispatchMultiFile(queue *sftpqueue.Queue, client *sftp.Client, tabID string, direction Direction, entries []FileEntry, priority sftpqueue.Priority) []<-chan sftpqueue.Result {
	return e.DispatchFiles(queue, client, tabID, direction, entries, priority)
}
