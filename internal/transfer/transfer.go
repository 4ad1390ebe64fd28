// Package transfer moves the media of one job between chats, one item at a
// time. Each item is downloaded to the staging directory, verified, uploaded
// to its target and removed from disk before the next item starts, so a job
// never holds more than one staged file.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"mediarelay/internal/platform"
	"mediarelay/internal/staging"
)

// Status is the outcome of a single item.
type Status string

const (
	StatusTransferred Status = "transferred"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
)

// Item is one media element to relay.
type Item struct {
	Ref    platform.Ref
	Target platform.Target
	Size   int64  // declared size in bytes, 0 when unknown
	Hint   string // filename hint, used for the staging extension
}

// Result records what happened to one item. Results are returned in item
// order; a cancelled run returns results only for the items it reached.
type Result struct {
	Status   Status
	Uploaded platform.MessageRef
	Bytes    int64
	Err      string

	sessionInvalid bool
}

// Summary aggregates per-item outcomes.
type Summary struct {
	Transferred int `json:"transferred"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case StatusTransferred:
			s.Transferred++
		case StatusSkipped:
			s.Skipped++
		default:
			s.Failed++
		}
	}
	return s
}

// Options tune a Runner. Zero values disable the size cap and the type
// allow-list and fall back to the default retry policy.
type Options struct {
	MaxItemBytes  int64
	AllowedTypes  []string
	MaxRetries    uint64
	RetryInterval time.Duration

	// Progress, when set, is called after each attempted item.
	Progress func(jobID string, index int, res Result)
}

const defaultMaxRetries = 2

// Runner executes media groups against an acquired platform client.
type Runner struct {
	staging       *staging.Dir
	ledger        *staging.Ledger
	maxItemBytes  int64
	allowedTypes  []string
	maxRetries    uint64
	retryInterval time.Duration
	progress      func(jobID string, index int, res Result)
}

func NewRunner(dir *staging.Dir, ledger *staging.Ledger, opts Options) *Runner {
	retries := opts.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	return &Runner{
		staging:       dir,
		ledger:        ledger,
		maxItemBytes:  opts.MaxItemBytes,
		allowedTypes:  opts.AllowedTypes,
		maxRetries:    retries,
		retryInterval: opts.RetryInterval,
		progress:      opts.Progress,
	}
}

// Run relays items in order. It stops early when ctx is cancelled (between
// items) or when the client reports an invalidated session; in the latter
// case every remaining item is marked failed and the session error is
// returned so the caller can discard the client.
func (r *Runner) Run(ctx context.Context, client platform.Client, jobID string, items []Item) ([]Result, error) {
	results := make([]Result, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := r.runItem(ctx, client, jobID, i, item)
		results = append(results, res)
		if r.progress != nil {
			r.progress(jobID, i, res)
		}
		if res.Status == StatusFailed && res.sessionInvalid {
			for range items[i+1:] {
				results = append(results, Result{Status: StatusFailed, Err: "session invalidated"})
			}
			return results, platform.ErrSessionInvalid
		}
	}
	return results, nil
}

// runItem handles one item end to end. The staged file is removed on every
// exit path.
func (r *Runner) runItem(ctx context.Context, client platform.Client, jobID string, index int, item Item) (res Result) {
	if r.maxItemBytes > 0 && item.Size > r.maxItemBytes {
		log.Warn().
			Str("job_id", jobID).
			Int("item", index).
			Str("size", humanize.Bytes(uint64(item.Size))).
			Str("limit", humanize.Bytes(uint64(r.maxItemBytes))).
			Msg("item exceeds size limit, skipping")
		return Result{
			Status: StatusSkipped,
			Err:    fmt.Sprintf("declared size %s exceeds limit %s", humanize.Bytes(uint64(item.Size)), humanize.Bytes(uint64(r.maxItemBytes))),
		}
	}

	path := r.staging.Path(jobID, index, item.Hint)
	r.ledger.Add(path)
	defer func() {
		if err := staging.Remove(path); err != nil {
			log.Error().Err(err).Str("path", path).Msg("failed to remove staged file")
		}
		r.ledger.Remove(path)
	}()

	written, err := r.download(ctx, client, item.Ref, path)
	if err != nil {
		return failedResult(jobID, index, "download", err)
	}

	if r.maxItemBytes > 0 && written > r.maxItemBytes {
		log.Warn().
			Str("job_id", jobID).
			Int("item", index).
			Str("size", humanize.Bytes(uint64(written))).
			Msg("fetched item exceeds size limit, skipping")
		return Result{
			Status: StatusSkipped,
			Bytes:  written,
			Err:    fmt.Sprintf("fetched size %s exceeds limit %s", humanize.Bytes(uint64(written)), humanize.Bytes(uint64(r.maxItemBytes))),
		}
	}

	if err := r.verify(path, item.Size, written); err != nil {
		return failedResult(jobID, index, "verify", err)
	}

	ref, err := r.upload(ctx, client, path, item.Target)
	if err != nil {
		return failedResult(jobID, index, "upload", err)
	}

	log.Info().
		Str("job_id", jobID).
		Int("item", index).
		Str("size", humanize.Bytes(uint64(written))).
		Str("uploaded", string(ref)).
		Msg("item transferred")
	return Result{Status: StatusTransferred, Uploaded: ref, Bytes: written}
}

func (r *Runner) download(ctx context.Context, client platform.Client, ref platform.Ref, path string) (int64, error) {
	var written int64
	op := func() error {
		n, err := client.Download(ctx, ref, path)
		if err != nil {
			return permanentIf(err)
		}
		written = n
		return nil
	}
	if err := backoff.Retry(op, r.newBackOff(ctx)); err != nil {
		return 0, err
	}
	return written, nil
}

func (r *Runner) upload(ctx context.Context, client platform.Client, path string, target platform.Target) (platform.MessageRef, error) {
	var ref platform.MessageRef
	op := func() error {
		got, err := client.Upload(ctx, path, target)
		if err != nil {
			return permanentIf(err)
		}
		ref = got
		return nil
	}
	if err := backoff.Retry(op, r.newBackOff(ctx)); err != nil {
		return "", err
	}
	return ref, nil
}

// verify rejects empty and truncated downloads and, when an allow-list is
// configured, staged files whose detected type is not allowed.
func (r *Runner) verify(path string, declared, written int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat staged file: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("staged file is empty")
	}
	if declared > 0 && written != declared {
		return fmt.Errorf("size mismatch: got %d bytes, declared %d", written, declared)
	}
	if len(r.allowedTypes) == 0 {
		return nil
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("detect media type: %w", err)
	}
	for _, allowed := range r.allowedTypes {
		if mtype.Is(allowed) {
			return nil
		}
	}
	return fmt.Errorf("media type %s is not allowed", mtype.String())
}

func (r *Runner) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if r.retryInterval > 0 {
		eb.InitialInterval = r.retryInterval
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, r.maxRetries), ctx)
}

// permanentIf stops retrying on errors another attempt cannot fix.
func permanentIf(err error) error {
	if errors.Is(err, platform.ErrSessionInvalid) ||
		errors.Is(err, platform.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}

func failedResult(jobID string, index int, stage string, err error) Result {
	log.Error().Err(err).Str("job_id", jobID).Int("item", index).Msgf("%s failed", stage)
	return Result{
		Status:         StatusFailed,
		Err:            fmt.Sprintf("%s: %v", stage, err),
		sessionInvalid: errors.Is(err, platform.ErrSessionInvalid),
	}
}
