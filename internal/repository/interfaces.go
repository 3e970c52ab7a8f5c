// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/callmatch/internal/model"
)

var (
	// ErrSlotTaken は提案スロットの一意制約に違反した場合に返される。
	// 既に別の未処理の提案を保持しているユーザーを含むペアであることを示す。
	ErrSlotTaken = errors.New("proposal slot already taken")

	// ErrWriteConflict は同時更新によりトランザクションを直列化できなかった場合に返される。
	// 呼び出し元はリトライしてよい。
	ErrWriteConflict = errors.New("concurrent write conflict")
)

// LobbyRepository はロビーの永続化インターフェース。
type LobbyRepository interface {
	// FindByName はロビー名でロビーを取得する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.Lobby, error)

	// FindByID は指定IDのロビーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Lobby, error)

	// ListAll は全ロビーを名前順に返す。
	ListAll(ctx context.Context) ([]*model.Lobby, error)

	// Upsert はロビー名をキーにロビーを作成または更新する。
	Upsert(ctx context.Context, lobby *model.Lobby) error
}

// MembershipRepository はロビー在席状態の永続化インターフェース。
type MembershipRepository interface {
	// Activate はメンバーシップを作成または再有効化し、ハートビートを更新する。
	// 呼び出し前に既にアクティブだったかどうかを返す。
	Activate(ctx context.Context, lobbyID, userID string, now time.Time) (*model.Membership, bool, error)

	// FindActive はアクティブなメンバーシップを取得する。見つからない場合はnilを返す。
	FindActive(ctx context.Context, lobbyID, userID string) (*model.Membership, error)

	// Deactivate はメンバーシップを非アクティブにする。アクティブだった場合はtrueを返す。
	Deactivate(ctx context.Context, lobbyID, userID string) (bool, error)

	// Touch はアクティブなメンバーシップのハートビートを更新する。
	// アクティブなメンバーシップが存在しない場合はfalseを返す。
	Touch(ctx context.Context, lobbyID, userID string, now time.Time) (bool, error)

	// ListEligible は提案スロットを保持していないアクティブメンバーのユーザーIDを
	// 参加順（joined_at, user_id）で返す。
	ListEligible(ctx context.Context, lobbyID string) ([]string, error)

	// ListActive はアクティブなメンバーシップを参加順で返す。
	ListActive(ctx context.Context, lobbyID string) ([]*model.Membership, error)

	// DeactivateStale はハートビートがcutoffより古いアクティブなメンバーシップを非アクティブにし、
	// 対象ユーザーのIDを返す。
	DeactivateStale(ctx context.Context, lobbyID string, cutoff time.Time) ([]string, error)
}

// ProposalRepository はマッチ提案の永続化インターフェース。
// 2人の当事者が同時に操作しうるため、更新はすべて期待値を条件とした条件付き更新で行う。
type ProposalRepository interface {
	// CreateWithSlots は提案と当事者2人分のスロットを同一トランザクションで作成する。
	// どちらかのスロットが既に使用中の場合はErrSlotTakenを返す。
	CreateWithSlots(ctx context.Context, p *model.MatchProposal) error

	// FindByID は指定IDの提案を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.MatchProposal, error)

	// FindCurrentForUser はユーザーがロビー内でスロットを保持している提案を取得する。
	// 見つからない場合はnilを返す。
	FindCurrentForUser(ctx context.Context, lobbyID, userID string) (*model.MatchProposal, error)

	// HasOpenBetween は2人の間に未処理の提案が存在するかを返す。
	HasOpenBetween(ctx context.Context, lobbyID, userA, userB string) (bool, error)

	// SetAccepted は未処理の提案について指定側の承諾フラグをtrueにする。
	// 提案が未処理でない場合はfalseを返す。
	SetAccepted(ctx context.Context, id string, side model.ProposalSide) (bool, error)

	// MarkBothAccepted は双方の承諾フラグがtrueでboth_acceptedがfalseの場合のみtrueにする。
	// 遷移した場合はtrueを返す。
	MarkBothAccepted(ctx context.Context, id string) (bool, error)

	// Reject は未処理の提案を拒否状態にし、スロットを解放する。
	// 提案が未処理でない場合はfalseを返す。
	Reject(ctx context.Context, id string) (bool, error)

	// ReleaseForUser はユーザーのロビー退出時に、未処理の提案を拒否し、
	// 承諾済みで未終了の提案を終了扱いにしてスロットを解放する。影響を受けた提案を返す。
	ReleaseForUser(ctx context.Context, lobbyID, userID string) ([]*model.MatchProposal, error)

	// ExpireStale はpendingCutoffより前に作成された未処理の提案と、
	// engagedCutoff以降に動きのない通話未開始の承諾済み提案を期限切れにしてスロットを解放する。
	// lobbyIDが空の場合は全ロビーを対象にする。
	ExpireStale(ctx context.Context, lobbyID string, pendingCutoff, engagedCutoff time.Time) (int64, error)

	// RequestToken は指定側のrequested_tokenフラグを条件付きでtrueにし、
	// 双方のフラグがtrueであればboth_requested_tokenを条件付きでtrueにする。
	// この呼び出しでboth_requested_tokenが遷移した場合はtrueを返す。
	// 同時更新の競合時はErrWriteConflictを返す。
	RequestToken(ctx context.Context, id string, side model.ProposalSide) (bool, error)

	// MarkInSession は提案を通話中にする。
	MarkInSession(ctx context.Context, id string) error

	// Finish は提案を終了扱いにしてスロットを解放する。
	Finish(ctx context.Context, id string) error

	// FindLatestEngagedBetween は2人の間の承諾済みで未終了の提案のうち最新のものを取得する。
	// 見つからない場合はnilを返す。
	FindLatestEngagedBetween(ctx context.Context, userA, userB string) (*model.MatchProposal, error)

	// ListByLobby はロビー内でsince以降に作成された提案を新しい順に返す。
	ListByLobby(ctx context.Context, lobbyID string, since time.Time) ([]*model.MatchProposal, error)
}

// RoomRepository はビデオルームの永続化インターフェース。
type RoomRepository interface {
	// FindOrCreate はペアに対応するルームを取得し、存在しなければ作成する。
	FindOrCreate(ctx context.Context, userA, userB string) (*model.Room, error)

	// FindByName はルーム名でルームを取得する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.Room, error)

	// Provision はルームの行ロックを取得した状態でプロビジョニング処理fnを呼び出す。
	// 既にプロビジョニング済みの場合はfnを呼ばない。fnが成功した場合のみprovisionedをtrueにする。
	// fnが呼ばれた場合はtrueを返す。
	Provision(ctx context.Context, roomID string, fn func(ctx context.Context, room *model.Room) error) (bool, error)
}

// SessionMutator はロック下のセッションを変更し、永続化が必要な場合にtrueを返す。
type SessionMutator func(s *model.CallSession) (bool, error)

// CallSessionRepository は通話セッションの永続化インターフェース。
type CallSessionRepository interface {
	// WithActiveSession はルームのアクティブなセッションを行ロック付きで取得してfnを適用する。
	// アクティブなセッションがなく、newSessionがnilでない場合はnewSessionを作成してからfnを適用する。
	// アクティブなセッションがなくnewSessionもnilの場合はfnを呼ばずにnilを返す。
	// fnがtrueを返した場合はversionをインクリメントして保存する。
	WithActiveSession(ctx context.Context, roomID string, newSession *model.CallSession, fn SessionMutator) (*model.CallSession, error)

	// LastClosedEndTime はルームの直近に終了したセッションの終了時刻を返す。存在しない場合はnilを返す。
	LastClosedEndTime(ctx context.Context, roomID string) (*time.Time, error)

	// FindActiveForUser はユーザーが当事者のアクティブなセッションを返す。見つからない場合はnilを返す。
	FindActiveForUser(ctx context.Context, userID string) (*model.CallSession, error)

	// CloseForUser はユーザーが当事者のアクティブなセッションをすべて終了させ、終了したセッションを返す。
	CloseForUser(ctx context.Context, userID string, now time.Time) ([]*model.CallSession, error)
}

// WebhookEventRepository はWebhookイベントログの永続化インターフェース。
type WebhookEventRepository interface {
	// Create はイベントを記録する。
	Create(ctx context.Context, event *model.WebhookEvent) error

	// IsProcessed は同じプロバイダーイベントIDのイベントが既に処理済みかどうかを返す。
	// excludeIDのイベント自身は対象外とする。
	IsProcessed(ctx context.Context, providerEventID, excludeID string) (bool, error)

	// UpdateOutcome はイベントの処理結果と関連セッションを更新する。
	UpdateOutcome(ctx context.Context, id string, outcome model.WebhookOutcome, sessionID string) error

	// LatestOccurredAt はルームと参加者が一致する指定イベントの最新の発生時刻を返す。
	// セッションの有無に関係なく記録済みのイベントを対象とする。該当がなければnilを返す。
	LatestOccurredAt(ctx context.Context, roomName, identity, event string) (*time.Time, error)
}

// ProfileRepository はプロフィールサービスが所有するプロフィールの読み取りインターフェース。
type ProfileRepository interface {
	// FindByUserID はユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)

	// FindByHash は公開ハッシュでプロフィールを取得する。見つからない場合はnilを返す。
	FindByHash(ctx context.Context, hash string) (*model.Profile, error)

	// FindByUserIDs は複数ユーザーのプロフィールをユーザーIDをキーとしたマップで返す。
	FindByUserIDs(ctx context.Context, userIDs []string) (map[string]*model.Profile, error)
}

// AuthSessionRepository は認証サービスが発行したセッションの読み取りインターフェース。
type AuthSessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AuthSession, error)
}

// ChatRepository はチャットサービスが所有するチャットの読み取りインターフェース。
type ChatRepository interface {
	// FindChatID はペアのチャットIDを返す。存在しない場合は空文字列を返す。
	FindChatID(ctx context.Context, userA, userB string) (string, error)
}

// InteractionRepository はマッチングスコア用の通話インタラクションカウンタの更新インターフェース。
type InteractionRepository interface {
	// RecordCompletedCall はペアの完了通話数と通話時間を加算する。
	RecordCompletedCall(ctx context.Context, userA, userB string, duration time.Duration, at time.Time) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
