package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hitoshi/datasync/internal/apiclient"
)

// defaultConcurrency はコンテナ並列数の既定値。
const defaultConcurrency = 5

// isFatal はコンテナ単位で握りつぶさずジョブ全体を失敗させるエラーかを返す。
// レート制限の上限到達、キャンセル、認証エラーが該当する。
func isFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, apiclient.ErrRateLimited) {
		return true
	}
	var se *apiclient.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
		return true
	}
	return false
}

// forEachContainer はコンテナごとにfnを並列実行し、結果を集約する。
// 1コンテナの失敗はログに残して件数に数え、他のコンテナは続行する。
func forEachContainer[T any](
	ctx context.Context,
	req Request,
	containers []T,
	label func(T) string,
	fn func(ctx context.Context, c T) ([]RemoteItem, error),
) (*Listing, error) {
	listing := &Listing{Containers: len(containers)}
	logger := req.logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		fatalErr error
	)
	sem := make(chan struct{}, req.concurrency())

	for _, c := range containers {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(c T) {
			defer wg.Done()
			defer func() { <-sem }()

			items, err := fn(ctx, c)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if isFatal(err) {
					if fatalErr == nil {
						fatalErr = fmt.Errorf("container %s: %w", label(c), err)
					}
					cancel()
					return
				}
				listing.FailedContainers++
				listing.Failures = append(listing.Failures, fmt.Sprintf("%s: %v", label(c), err))
				logger.Warn("failed to list container",
					slog.String("provider", req.Layer.Provider),
					slog.String("layer", req.Layer.Name),
					slog.String("container", label(c)),
					slog.String("error", err.Error()),
				)
				return
			}
			listing.Items = append(listing.Items, items...)
		}(c)
	}
	wg.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	listing.Items = req.Filter.apply(listing.Items)
	dedupePaths(listing.Items)
	return listing, nil
}

// runBounded はn件の処理を最大width並列で実行する。最初のエラーで残りを中断する。
func runBounded(ctx context.Context, width, n int, fn func(ctx context.Context, i int) error) error {
	if width <= 0 {
		width = defaultConcurrency
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	sem := make(chan struct{}, width)
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, i); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
