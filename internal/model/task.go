package model

import "time"

// TaskState はダウンロードタスクの状態を表す。
// Pending → InFlight → Done | Failed の順にのみ遷移する。
type TaskState string

const (
	// TaskStatePending はキュー投入済みで未実行の状態。
	TaskStatePending TaskState = "pending"
	// TaskStateInFlight はダウンロード実行中の状態。
	TaskStateInFlight TaskState = "in_flight"
	// TaskStateDone はダウンロード成功の状態。
	TaskStateDone TaskState = "done"
	// TaskStateFailed はダウンロード失敗の状態。自動リトライは行わない。
	TaskStateFailed TaskState = "failed"
)

// DownloadTask は1メディアアイテムのダウンロードタスクを表す。
// バッチ実行中はDownload Managerが排他的に所有する。
type DownloadTask struct {
	ID              string
	BatchID         string
	Platform        Platform
	PostID          string
	Item            MediaItem
	DestinationPath string
	State           TaskState
	ErrorKind       DownloadErrorKind
	Error           string
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Progress はバッチの進捗を表す。
// completed + failed は単調非減少であり、バッチ完了時に
// completed + failed == total が成立する。
type Progress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Finished は全タスクが終了状態に達したかどうかを返す。
func (p Progress) Finished() bool {
	return p.Completed+p.Failed >= p.Total
}

// BatchRecord は完了したダウンロードバッチのアーカイブレコードを表す。
type BatchRecord struct {
	ID         string
	Kind       QueryKind
	Term       string
	Total      int
	Completed  int
	Failed     int
	Canceled   bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// DownloadRecord は完了した個別タスクのアーカイブレコードを表す。
type DownloadRecord struct {
	ID              string
	BatchID         string
	Platform        Platform
	SourceURL       string
	DestinationPath string
	State           TaskState
	ErrorKind       string
	Error           string
	FinishedAt      time.Time
}
