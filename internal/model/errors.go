// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, lobby, match, call, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeLobbyNotFound            = "LOBBY_NOT_FOUND"
	ErrCodeLobbyInactive            = "LOBBY_INACTIVE"
	ErrCodeNotInLobby               = "NOT_IN_LOBBY"
	ErrCodeProposalNotFound         = "PROPOSAL_NOT_FOUND"
	ErrCodeProposalAlreadyProcessed = "PROPOSAL_ALREADY_PROCESSED"
	ErrCodeUnauthorizedParticipant  = "UNAUTHORIZED_PARTICIPANT"
	ErrCodeTransientWriteConflict   = "TRANSIENT_WRITE_CONFLICT"
	ErrCodeProviderUnavailable      = "PROVIDER_UNAVAILABLE"
)

// HasCode はerrがAPIErrorで、指定コードを持つかどうかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewLobbyNotFoundError はロビー未検出エラーを生成する。
func NewLobbyNotFoundError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeLobbyNotFound,
		Message:  fmt.Sprintf("指定されたロビーが見つかりません: %s", name),
		Category: "lobby",
		Action:   "ロビー名を確認してください。",
	}
}

// NewLobbyInactiveError はロビーが受付時間外の場合のエラーを生成する。
func NewLobbyInactiveError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeLobbyInactive,
		Message:  fmt.Sprintf("ロビーは現在受付時間外です: %s", name),
		Category: "lobby",
		Action:   "ロビーの開催時間内に再度参加してください。",
	}
}

// NewNotInLobbyError はロビーに参加していない場合のエラーを生成する。
func NewNotInLobbyError() *APIError {
	return &APIError{
		Code:     ErrCodeNotInLobby,
		Message:  "ロビーに参加していません。",
		Category: "lobby",
		Action:   "ロビーに参加してから再度お試しください。",
	}
}

// NewProposalNotFoundError はマッチ提案が見つからない場合のエラーを生成する。
func NewProposalNotFoundError(proposalID string) *APIError {
	return &APIError{
		Code:     ErrCodeProposalNotFound,
		Message:  fmt.Sprintf("指定されたマッチが見つかりません: %s", proposalID),
		Category: "match",
		Action:   "マッチIDを確認してください。",
	}
}

// NewProposalAlreadyProcessedError は処理済みのマッチ提案を操作しようとした場合のエラーを生成する。
func NewProposalAlreadyProcessedError() *APIError {
	return &APIError{
		Code:     ErrCodeProposalAlreadyProcessed,
		Message:  "このマッチは既に処理済みです。",
		Category: "match",
		Action:   "ステータスを再取得して最新の状態を確認してください。",
	}
}

// NewUnauthorizedParticipantError は呼び出し元がリソースの当事者でない場合のエラーを生成する。
func NewUnauthorizedParticipantError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorizedParticipant,
		Message:  "このマッチに参加する権限がありません。",
		Category: "match",
		Action:   "双方が承諾したマッチに対してのみ通話を開始できます。",
	}
}

// NewTransientWriteConflictError は条件付き更新のリトライ上限に達した場合のエラーを生成する。
func NewTransientWriteConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeTransientWriteConflict,
		Message:  "同時更新が競合したため処理を完了できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewProviderUnavailableError はビデオプロバイダーの呼び出しに失敗した場合のエラーを生成する。
func NewProviderUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  fmt.Sprintf("通話サーバーを利用できません: %s", reason),
		Category: "call",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
