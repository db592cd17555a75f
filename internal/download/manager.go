package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fedisleuth/internal/metrics"
	"github.com/hitoshi/fedisleuth/internal/model"
	"github.com/hitoshi/fedisleuth/internal/repository"
	"github.com/hitoshi/fedisleuth/internal/security"
)

const (
	defaultMaxConcurrent  = 3
	defaultRequestTimeout = 60 * time.Second
	defaultMaxMediaSize   = 100 << 20 // 100MiB

	// archiveTimeout はバッチ完了後のアーカイブ書き込みの時間予算。
	archiveTimeout = 10 * time.Second
)

// EventType は進捗イベントの種類。
type EventType string

const (
	// EventTask はタスク状態遷移ごとのイベント。
	EventTask EventType = "task"
	// EventBatchDone はバッチ終了（キャンセル含む）のイベント。
	EventBatchDone EventType = "batch_done"
)

// Event はタスク遷移ごとに購読者へ配信される進捗イベント。
type Event struct {
	Type      EventType       `json:"type"`
	BatchID   string          `json:"batch_id"`
	TaskID    string          `json:"task_id,omitempty"`
	State     model.TaskState `json:"state,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Canceled  bool            `json:"canceled,omitempty"`
	Progress  model.Progress  `json:"progress"`
}

// Item は1メディアのダウンロード指定。
type Item struct {
	Platform model.Platform
	PostID   string
	Media    model.MediaItem
}

// Request はダウンロードバッチの開始要求。
type Request struct {
	Kind  model.QueryKind
	Term  string
	Items []Item
}

// Config はManagerの動作設定。
type Config struct {
	// BaseDir はダウンロード先のルートディレクトリ。
	BaseDir string
	// MaxConcurrent は同時実行タスク数の上限。0以下は3。
	MaxConcurrent int
	// RequestTimeout は1リクエストのタイムアウト。0以下は60秒。
	RequestTimeout time.Duration
	// MaxMediaSize は1ファイルの最大サイズ（バイト）。0以下は100MiB。
	MaxMediaSize int64
}

// TaskSnapshot は1タスクの観測ビュー。
type TaskSnapshot struct {
	ID              string          `json:"id"`
	Platform        model.Platform  `json:"platform"`
	PostID          string          `json:"post_id"`
	SourceURL       string          `json:"source_url"`
	DestinationPath string          `json:"destination_path"`
	State           model.TaskState `json:"state"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Snapshot はバッチの観測ビュー。進捗のポーリングに使用する。
type Snapshot struct {
	ID         string          `json:"id"`
	Kind       model.QueryKind `json:"kind"`
	Term       string          `json:"term"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Canceled   bool            `json:"canceled"`
	Finished   bool            `json:"finished"`
	Progress   model.Progress  `json:"progress"`
	Tasks      []TaskSnapshot  `json:"tasks"`
}

// Batch は実行中または完了済みのダウンロードバッチのランタイム状態。
// tasksとprogressはmuで保護され、進捗は遷移ごとに加算のみ行われる。
type Batch struct {
	ID        string
	Kind      model.QueryKind
	Term      string
	StartedAt time.Time

	mu          sync.Mutex
	tasks       []*model.DownloadTask
	progress    model.Progress
	canceled    bool
	finishedAt  time.Time
	subscribers map[chan Event]struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

// Done はバッチ終了時に閉じられるチャネルを返す。
func (b *Batch) Done() <-chan struct{} { return b.done }

// Progress は現在の進捗を返す。
func (b *Batch) Progress() model.Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.progress
}

func (b *Batch) isCanceled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canceled
}

// markInFlight はタスクをInFlightへ遷移させイベントを配信する。
func (b *Batch) markInFlight(task *model.DownloadTask) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	task.State = model.TaskStateInFlight
	task.StartedAt = &now
	b.publishLocked(b.taskEventLocked(task))
}

// complete はタスクをDoneへ遷移させ進捗を更新する。
func (b *Batch) complete(task *model.DownloadTask) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	task.State = model.TaskStateDone
	task.FinishedAt = &now
	b.progress.Completed++
	b.publishLocked(b.taskEventLocked(task))
}

// fail はタスクをFailedへ遷移させ進捗を更新する。自動リトライは行わない。
func (b *Batch) fail(task *model.DownloadTask, kind model.DownloadErrorKind, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	task.State = model.TaskStateFailed
	task.ErrorKind = kind
	if err != nil {
		task.Error = err.Error()
	}
	task.FinishedAt = &now
	b.progress.Failed++
	b.publishLocked(b.taskEventLocked(task))
}

// failRemaining は未着手のタスクをcanceledで終端する。
// 実行中タスクの完了後（wg.Wait後）にのみ呼ばれる。
func (b *Batch) failRemaining() {
	for _, task := range b.tasks {
		b.mu.Lock()
		pending := task.State == model.TaskStatePending
		b.mu.Unlock()
		if pending {
			b.fail(task, model.DownloadErrorCanceled, errors.New("batch canceled"))
		}
	}
}

// markFinished はバッチを終了状態にし、最終イベントを配信して
// 全購読チャネルをクローズする。
func (b *Batch) markFinished() Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishedAt = time.Now()
	event := Event{
		Type:     EventBatchDone,
		BatchID:  b.ID,
		Canceled: b.canceled,
		Progress: b.progress,
	}
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
		close(ch)
		delete(b.subscribers, ch)
	}
	return event
}

func (b *Batch) taskEventLocked(task *model.DownloadTask) Event {
	return Event{
		Type:      EventTask,
		BatchID:   b.ID,
		TaskID:    task.ID,
		State:     task.State,
		ErrorKind: string(task.ErrorKind),
		Progress:  b.progress,
	}
}

// publishLocked は購読者へイベントを非ブロッキングで配信する。
// バッファが満杯の購読者はイベントを取りこぼすが、
// スナップショットAPIで最新状態を取得できる。muを保持した状態で呼ぶこと。
func (b *Batch) publishLocked(event Event) {
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Manager はダウンロードバッチのライフサイクルを管理する。
// タスクは投入順（FIFO）で実行され、同時実行数はMaxConcurrentを超えない。
type Manager struct {
	guard     security.SSRFGuardService
	records   repository.DownloadRecordRepository
	collector metrics.MetricsCollector
	config    Config

	mu      sync.RWMutex
	batches map[string]*Batch
}

// NewManager はManagerを生成する。
func NewManager(
	guard security.SSRFGuardService,
	records repository.DownloadRecordRepository,
	collector metrics.MetricsCollector,
	config Config,
) *Manager {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.MaxMediaSize <= 0 {
		config.MaxMediaSize = defaultMaxMediaSize
	}
	return &Manager{
		guard:     guard,
		records:   records,
		collector: collector,
		config:    config,
		batches:   make(map[string]*Batch),
	}
}

// Start はダウンロードバッチを開始し、すぐにバッチを返す。
// 保存先パスは開始時点で全タスク分を確定する。渡されたctxはタスクの実行には
// 引き継がれず、バッチの中断はCancelで行う。
func (m *Manager) Start(ctx context.Context, req Request) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return nil, model.NewNoDownloadItemsError()
	}

	now := time.Now()
	batch := &Batch{
		ID:          uuid.New().String(),
		Kind:        req.Kind,
		Term:        req.Term,
		StartedAt:   now,
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}

	allocator := newPathAllocator()
	seq := make(map[string]int)
	tasks := make([]*model.DownloadTask, 0, len(req.Items))
	for _, item := range req.Items {
		seq[item.PostID]++
		dir := batchDir(m.config.BaseDir, item.Platform, req.Term, now)
		dest := allocator.allocate(dir, taskFilename(item.Media, item.PostID, seq[item.PostID]))
		tasks = append(tasks, &model.DownloadTask{
			ID:              uuid.New().String(),
			BatchID:         batch.ID,
			Platform:        item.Platform,
			PostID:          item.PostID,
			Item:            item.Media,
			DestinationPath: dest,
			State:           model.TaskStatePending,
		})
	}
	batch.tasks = tasks
	batch.progress = model.Progress{Total: len(tasks)}

	runCtx, cancel := context.WithCancel(context.Background())
	batch.cancel = cancel

	m.mu.Lock()
	m.batches[batch.ID] = batch
	m.mu.Unlock()

	slog.Info("download batch started",
		slog.String("batch_id", batch.ID),
		slog.String("term", req.Term),
		slog.Int("total", len(tasks)),
		slog.Int("max_concurrent", m.config.MaxConcurrent),
	)

	go m.run(runCtx, batch)
	return batch, nil
}

// run はタスクをFIFOで投入し、semaphoreパターンで同時実行数を制限する。
// 全タスク終了後に未着手分をcanceledで確定し、バッチをアーカイブする。
func (m *Manager) run(ctx context.Context, batch *Batch) {
	sem := make(chan struct{}, m.config.MaxConcurrent)
	var wg sync.WaitGroup

admission:
	for _, task := range batch.tasks {
		if batch.isCanceled() {
			break
		}
		select {
		case sem <- struct{}{}: // 空きが出るまで次のタスクを投入しない
		case <-ctx.Done():
			break admission
		}

		wg.Add(1)
		go func(task *model.DownloadTask) {
			defer wg.Done()
			defer func() { <-sem }()
			m.runTask(ctx, batch, task)
		}(task)
	}

	wg.Wait()
	batch.failRemaining()
	m.finish(batch)
}

// runTask は1タスクをInFlightへ遷移させてダウンロードを実行し、
// 結果に応じてDoneまたはFailedへ確定する。
func (m *Manager) runTask(ctx context.Context, batch *Batch, task *model.DownloadTask) {
	if ctx.Err() != nil {
		batch.fail(task, model.DownloadErrorCanceled, ctx.Err())
		m.recordDownloadFailure(string(model.DownloadErrorCanceled))
		return
	}

	batch.markInFlight(task)

	start := time.Now()
	err := m.downloadFile(ctx, task)
	m.recordDownloadLatency(time.Since(start))

	if err != nil {
		kind := classifyDownloadError(err)
		batch.fail(task, kind, err)
		m.recordDownloadFailure(string(kind))
		slog.Warn("download task failed",
			slog.String("batch_id", batch.ID),
			slog.String("task_id", task.ID),
			slog.String("url", task.Item.SourceURL),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return
	}

	batch.complete(task)
	m.recordDownloadSuccess()
}

// downloadError は失敗分類付きのダウンロードエラー。
type downloadError struct {
	kind model.DownloadErrorKind
	err  error
}

func (e *downloadError) Error() string { return e.err.Error() }
func (e *downloadError) Unwrap() error { return e.err }

func classifyDownloadError(err error) model.DownloadErrorKind {
	var dlErr *downloadError
	if errors.As(err, &dlErr) {
		return dlErr.kind
	}
	return model.DownloadErrorNetwork
}

// downloadFile はメディアを{dest}.partへストリームし、成功時に最終パスへ
// renameする。失敗・中断時は部分ファイルを削除する。
func (m *Manager) downloadFile(ctx context.Context, task *model.DownloadTask) error {
	sourceURL := task.Item.SourceURL
	if err := m.guard.ValidateURL(sourceURL); err != nil {
		return &downloadError{kind: model.DownloadErrorInvalidResponse, err: fmt.Errorf("unsafe media URL: %w", err)}
	}

	client := m.guard.NewSafeClient(m.config.RequestTimeout, m.config.MaxMediaSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return &downloadError{kind: model.DownloadErrorNetwork, err: fmt.Errorf("failed to create request: %w", err)}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &downloadError{kind: model.DownloadErrorCanceled, err: ctx.Err()}
		}
		return &downloadError{kind: model.DownloadErrorNetwork, err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &downloadError{kind: model.DownloadErrorInvalidResponse, err: fmt.Errorf("download returned status %d", resp.StatusCode)}
	}
	if resp.ContentLength > m.config.MaxMediaSize {
		return &downloadError{kind: model.DownloadErrorInvalidResponse, err: fmt.Errorf("media size %d exceeds limit %d", resp.ContentLength, m.config.MaxMediaSize)}
	}

	if err := os.MkdirAll(filepath.Dir(task.DestinationPath), 0o755); err != nil {
		return &downloadError{kind: model.DownloadErrorDisk, err: fmt.Errorf("failed to create directory: %w", err)}
	}

	partPath := task.DestinationPath + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		return &downloadError{kind: model.DownloadErrorDisk, err: fmt.Errorf("failed to create file: %w", err)}
	}

	written, copyErr := io.Copy(file, io.LimitReader(resp.Body, m.config.MaxMediaSize+1))
	closeErr := file.Close()

	switch {
	case copyErr != nil:
		os.Remove(partPath)
		if ctx.Err() != nil {
			return &downloadError{kind: model.DownloadErrorCanceled, err: ctx.Err()}
		}
		var pathErr *fs.PathError
		if errors.As(copyErr, &pathErr) {
			return &downloadError{kind: model.DownloadErrorDisk, err: fmt.Errorf("failed to write file: %w", copyErr)}
		}
		return &downloadError{kind: model.DownloadErrorNetwork, err: fmt.Errorf("failed to read response: %w", copyErr)}
	case closeErr != nil:
		os.Remove(partPath)
		return &downloadError{kind: model.DownloadErrorDisk, err: fmt.Errorf("failed to close file: %w", closeErr)}
	case written > m.config.MaxMediaSize:
		os.Remove(partPath)
		return &downloadError{kind: model.DownloadErrorInvalidResponse, err: fmt.Errorf("media size exceeds limit %d", m.config.MaxMediaSize)}
	}

	if err := os.Rename(partPath, task.DestinationPath); err != nil {
		os.Remove(partPath)
		return &downloadError{kind: model.DownloadErrorDisk, err: fmt.Errorf("failed to finalize file: %w", err)}
	}
	return nil
}

// finish はバッチを終了状態にし、download_recordsへアーカイブする。
func (m *Manager) finish(batch *Batch) {
	event := batch.markFinished()
	close(batch.done)

	record, taskRecords := batch.archiveRecords()

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if m.records != nil {
		if err := m.records.SaveBatch(ctx, record, taskRecords); err != nil {
			slog.Error("failed to archive download batch",
				slog.String("batch_id", batch.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	slog.Info("download batch finished",
		slog.String("batch_id", batch.ID),
		slog.Int("completed", event.Progress.Completed),
		slog.Int("failed", event.Progress.Failed),
		slog.Int("total", event.Progress.Total),
		slog.Bool("canceled", event.Canceled),
	)
}

// archiveRecords はアーカイブ用のバッチ・タスクレコードを組み立てる。
func (b *Batch) archiveRecords() (*model.BatchRecord, []model.DownloadRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record := &model.BatchRecord{
		ID:         b.ID,
		Kind:       b.Kind,
		Term:       b.Term,
		Total:      b.progress.Total,
		Completed:  b.progress.Completed,
		Failed:     b.progress.Failed,
		Canceled:   b.canceled,
		StartedAt:  b.StartedAt,
		FinishedAt: b.finishedAt,
	}

	taskRecords := make([]model.DownloadRecord, 0, len(b.tasks))
	for _, task := range b.tasks {
		finishedAt := b.finishedAt
		if task.FinishedAt != nil {
			finishedAt = *task.FinishedAt
		}
		taskRecords = append(taskRecords, model.DownloadRecord{
			ID:              task.ID,
			BatchID:         b.ID,
			Platform:        task.Platform,
			SourceURL:       task.Item.SourceURL,
			DestinationPath: task.DestinationPath,
			State:           task.State,
			ErrorKind:       string(task.ErrorKind),
			Error:           task.Error,
			FinishedAt:      finishedAt,
		})
	}
	return record, taskRecords
}

// Cancel はバッチを中断する。新規タスクの投入を止め、実行中のリクエストを
// 中断し、未着手・中断されたタスクをFailed{canceled}として確定する。
// 終了済みバッチへのCancelは何もしない。
func (m *Manager) Cancel(batchID string) error {
	batch, err := m.batch(batchID)
	if err != nil {
		return err
	}

	batch.mu.Lock()
	finished := !batch.finishedAt.IsZero()
	if !finished {
		batch.canceled = true
	}
	cancel := batch.cancel
	batch.mu.Unlock()

	if finished {
		return nil
	}
	cancel()
	slog.Info("download batch canceled", slog.String("batch_id", batchID))
	return nil
}

// Snapshot はバッチの現在状態を返す。
func (m *Manager) Snapshot(batchID string) (*Snapshot, error) {
	batch, err := m.batch(batchID)
	if err != nil {
		return nil, err
	}

	batch.mu.Lock()
	defer batch.mu.Unlock()

	tasks := make([]TaskSnapshot, 0, len(batch.tasks))
	for _, task := range batch.tasks {
		tasks = append(tasks, TaskSnapshot{
			ID:              task.ID,
			Platform:        task.Platform,
			PostID:          task.PostID,
			SourceURL:       task.Item.SourceURL,
			DestinationPath: task.DestinationPath,
			State:           task.State,
			ErrorKind:       string(task.ErrorKind),
			Error:           task.Error,
		})
	}

	snapshot := &Snapshot{
		ID:        batch.ID,
		Kind:      batch.Kind,
		Term:      batch.Term,
		StartedAt: batch.StartedAt,
		Canceled:  batch.canceled,
		Finished:  !batch.finishedAt.IsZero(),
		Progress:  batch.progress,
		Tasks:     tasks,
	}
	if snapshot.Finished {
		finishedAt := batch.finishedAt
		snapshot.FinishedAt = &finishedAt
	}
	return snapshot, nil
}

// Subscribe はバッチの進捗イベント購読を開始する。
// 返されたチャネルはバッチ終了イベントの後にクローズされる。
// 終了済みバッチへの購読は最終イベントのみを受け取る。
// 2つ目の戻り値で購読を解除する。
func (m *Manager) Subscribe(batchID string) (<-chan Event, func(), error) {
	batch, err := m.batch(batchID)
	if err != nil {
		return nil, nil, err
	}

	batch.mu.Lock()
	ch := make(chan Event, 2*len(batch.tasks)+4)
	finished := !batch.finishedAt.IsZero()
	if finished {
		ch <- Event{
			Type:     EventBatchDone,
			BatchID:  batch.ID,
			Canceled: batch.canceled,
			Progress: batch.progress,
		}
		close(ch)
		batch.mu.Unlock()
		return ch, func() {}, nil
	}
	batch.subscribers[ch] = struct{}{}
	batch.mu.Unlock()

	unsubscribe := func() {
		batch.mu.Lock()
		defer batch.mu.Unlock()
		if _, ok := batch.subscribers[ch]; ok {
			delete(batch.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// CancelAll は全ての実行中バッチを中断する。シャットダウン時に呼ばれる。
func (m *Manager) CancelAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.batches))
	for id := range m.batches {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Cancel(id); err != nil {
			slog.Warn("failed to cancel batch", slog.String("batch_id", id), slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) batch(batchID string) (*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	batch, ok := m.batches[batchID]
	if !ok {
		return nil, model.NewBatchNotFoundError(batchID)
	}
	return batch, nil
}

func (m *Manager) recordDownloadSuccess() {
	if m.collector == nil {
		return
	}
	m.collector.RecordDownloadSuccess()
}

func (m *Manager) recordDownloadFailure(kind string) {
	if m.collector == nil {
		return
	}
	m.collector.RecordDownloadFailure(kind)
}

func (m *Manager) recordDownloadLatency(d time.Duration) {
	if m.collector == nil {
		return
	}
	m.collector.RecordDownloadLatency(d)
}
