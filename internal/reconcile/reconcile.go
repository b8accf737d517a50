// Package reconcile はリモートのアイテム一覧とオブジェクトストアの内容を突き合わせ、
// 新規・更新アイテムのアップロードと孤立オブジェクトの削除を行う。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/datasync/internal/driver"
	"github.com/hitoshi/datasync/internal/metrics"
	"github.com/hitoshi/datasync/internal/storage"
)

// defaultConcurrency はアップロード/削除の並列数の既定値。
const defaultConcurrency = 5

// ErrEmptyPrefix はプレフィックスなしの突き合わせを拒否したことを表す。
var ErrEmptyPrefix = errors.New("reconcile prefix is empty")

// Action はアイテムごとの処理内容。
type Action string

const (
	ActionNew     Action = "new"
	ActionUpdated Action = "updated"
	ActionSkip    Action = "skip"
	ActionDeleted Action = "deleted"
)

// Decide は保存済みオブジェクトとリモートアイテムからアップロード要否を決める。
// 保存済みの更新時刻がリモートの更新時刻より厳密に古い場合のみ再アップロードする。
func Decide(stored *storage.Object, item driver.RemoteItem) Action {
	if stored == nil {
		return ActionNew
	}
	if stored.Updated.Before(item.ModifiedAt) {
		return ActionUpdated
	}
	return ActionSkip
}

// Fetcher はアイテムのコンテンツを取得する。
type Fetcher func(ctx context.Context, item driver.RemoteItem) (io.ReadCloser, error)

// Progress は完了した作業単位の累計。Skippedは変更がなく作業単位にならなかった件数。
type Progress struct {
	Skipped    int
	Done       int
	Total      int
	BytesDone  int64
	BytesTotal int64
}

// Input は1回の突き合わせの入力。
type Input struct {
	// Prefix はレイヤーの名前空間。末尾の "/" は補われる。
	Prefix  string
	Items   []driver.RemoteItem
	Fetcher Fetcher
	// Progress は作業単位が完了するたびに呼ばれる。並行には呼ばれない。
	Progress func(Progress)
}

// Entry はアイテムごとの処理記録。
type Entry struct {
	Path       string `json:"path"`
	Action     Action `json:"action"`
	Size       int64  `json:"size"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
}

// Result は突き合わせの結果。
type Result struct {
	New           int     `json:"new"`
	Updated       int     `json:"updated"`
	Deleted       int     `json:"deleted"`
	Skipped       int     `json:"skipped"`
	Failed        int     `json:"failed"`
	BytesUploaded int64   `json:"bytes_uploaded"`
	Entries       []Entry `json:"entries"`
}

// Uploaded はアップロードに成功した件数を返す。
func (r *Result) Uploaded() int { return r.New + r.Updated }

// Options はReconcilerの設定。
type Options struct {
	Concurrency int
	Metrics     metrics.SyncMetrics
	Logger      *slog.Logger
}

// Reconciler はオブジェクトストアとの突き合わせを実行する。
type Reconciler struct {
	store       storage.ObjectStore
	concurrency int
	metrics     metrics.SyncMetrics
	logger      *slog.Logger
	now         func() time.Time
}

// New はReconcilerを生成する。
func New(store storage.ObjectStore, opts Options) *Reconciler {
	r := &Reconciler{
		store:       store,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         time.Now,
	}
	if r.concurrency <= 0 {
		r.concurrency = defaultConcurrency
	}
	if r.metrics == nil {
		r.metrics = metrics.NopCollector{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

type unit struct {
	action Action
	item   driver.RemoteItem
	// path は削除対象のオブジェクト名。
	path string
	size int64
}

// Reconcile はプレフィックス配下の保存済みオブジェクトとリモートアイテムを突き合わせる。
// オブジェクト一覧の取得に失敗した場合はエラーを返す。個々のアップロード/削除の失敗は
// Failedに数えて処理を続ける。
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (*Result, error) {
	prefix := in.Prefix
	if strings.Trim(prefix, "/") == "" {
		return nil, ErrEmptyPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	objects, err := storage.ListAll(ctx, r.store, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored objects: %w", err)
	}
	stored := make(map[string]*storage.Object, len(objects))
	for i := range objects {
		if strings.HasPrefix(objects[i].Name, prefix) {
			stored[objects[i].Name] = &objects[i]
		}
	}

	result := &Result{}
	remote := make(map[string]bool, len(in.Items))
	var units []unit
	var bytesTotal int64

	for _, item := range in.Items {
		if !strings.HasPrefix(item.FullPath, prefix) {
			result.Failed++
			result.Entries = append(result.Entries, Entry{
				Path:   item.FullPath,
				Action: ActionNew,
				Reason: "outside of namespace " + prefix,
				Failed: true,
			})
			continue
		}
		if remote[item.FullPath] {
			continue
		}
		remote[item.FullPath] = true

		action := Decide(stored[item.FullPath], item)
		if action == ActionSkip {
			result.Skipped++
			result.Entries = append(result.Entries, Entry{
				Path:   item.FullPath,
				Action: ActionSkip,
				Size:   stored[item.FullPath].Size,
				Reason: "unchanged",
			})
			continue
		}
		units = append(units, unit{action: action, item: item, path: item.FullPath, size: item.Size})
		bytesTotal += item.Size
	}

	for name := range stored {
		if !remote[name] {
			units = append(units, unit{action: ActionDeleted, path: name, size: stored[name].Size})
		}
	}

	r.run(ctx, in, units, bytesTotal, result)

	r.metrics.RecordObjects(string(ActionNew), result.New)
	r.metrics.RecordObjects(string(ActionUpdated), result.Updated)
	r.metrics.RecordObjects(string(ActionDeleted), result.Deleted)
	r.metrics.RecordObjects(string(ActionSkip), result.Skipped)
	r.metrics.RecordObjects("failed", result.Failed)

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// run は作業単位をセマフォで並列数を制限して実行する。
func (r *Reconciler) run(ctx context.Context, in Input, units []unit, bytesTotal int64, result *Result) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		progress = Progress{Skipped: result.Skipped, Total: len(units), BytesTotal: bytesTotal}
	)
	sem := make(chan struct{}, r.concurrency)

	record := func(e Entry, u unit) {
		mu.Lock()
		defer mu.Unlock()
		if e.Failed {
			result.Failed++
		} else {
			switch e.Action {
			case ActionNew:
				result.New++
				result.BytesUploaded += e.Size
			case ActionUpdated:
				result.Updated++
				result.BytesUploaded += e.Size
			case ActionDeleted:
				result.Deleted++
			}
		}
		result.Entries = append(result.Entries, e)

		progress.Done++
		if u.action != ActionDeleted {
			progress.BytesDone += u.size
		}
		if in.Progress != nil {
			in.Progress(progress)
		}
	}

	for _, u := range units {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(u unit) {
			defer wg.Done()
			defer func() { <-sem }()
			record(r.execute(ctx, in.Fetcher, u), u)
		}(u)
	}
	wg.Wait()
}

func (r *Reconciler) execute(ctx context.Context, fetch Fetcher, u unit) Entry {
	start := r.now()
	entry := Entry{Path: u.path, Action: u.action, Size: u.size}

	var err error
	switch u.action {
	case ActionDeleted:
		err = r.store.Delete(ctx, u.path)
		entry.Reason = "not present in remote listing"
	default:
		var size int64
		size, err = r.upload(ctx, fetch, u.item)
		if err == nil {
			entry.Size = size
		}
		if u.action == ActionNew {
			entry.Reason = "not stored"
		} else {
			entry.Reason = "remote modified after upload"
		}
	}
	entry.DurationMS = r.now().Sub(start).Milliseconds()

	if err != nil {
		entry.Failed = true
		entry.Reason = err.Error()
		r.logger.Warn("reconcile unit failed",
			slog.String("path", u.path),
			slog.String("action", string(u.action)),
			slog.String("error", err.Error()),
		)
	}
	return entry
}

func (r *Reconciler) upload(ctx context.Context, fetch Fetcher, item driver.RemoteItem) (int64, error) {
	if fetch == nil {
		return 0, errors.New("no content fetcher")
	}
	body, err := fetch(ctx, item)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch content: %w", err)
	}
	defer body.Close()

	contentType := item.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	size, err := r.store.Put(ctx, item.FullPath, body, contentType)
	if err != nil {
		return 0, fmt.Errorf("failed to store object: %w", err)
	}
	return size, nil
}
