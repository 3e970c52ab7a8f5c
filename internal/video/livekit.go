package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"
)

const (
	// defaultEmptyTimeout は参加者がいなくなったルームをプロバイダーが閉じるまでの秒数。
	defaultEmptyTimeout = 300
	maxRoomParticipants = 2
)

// roomService はLiveKitのRoomServiceのうち使用するメソッド。
type roomService interface {
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
}

// LiveKitClient はLiveKitサーバーSDKを使用するProvider実装。
type LiveKitClient struct {
	rooms     roomService
	logger    *slog.Logger
	signer    *TokenSigner
	serverURL string
	apiBase   string
}

// NewLiveKitClient はLiveKitClientを生成する。
// serverURLはws(s)またはhttp(s)のURL。APIの呼び出しにはhttp(s)に変換したURLを使用する。
// 呼び出しのタイムアウトは呼び出し側のコンテキストで指定する。
func NewLiveKitClient(logger *slog.Logger, serverURL string, signer *TokenSigner) (*LiveKitClient, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid livekit url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported livekit url scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("livekit url has no host: %q", serverURL)
	}
	apiBase := strings.TrimRight(u.String(), "/")

	return &LiveKitClient{
		rooms:     lksdk.NewRoomServiceClient(apiBase, signer.apiKey, signer.apiSecret),
		logger:    logger,
		signer:    signer,
		serverURL: serverURL,
		apiBase:   apiBase,
	}, nil
}

func toRoomInfo(r *livekit.Room) RoomInfo {
	info := RoomInfo{
		SID:             r.GetSid(),
		Name:            r.GetName(),
		MaxParticipants: int(r.GetMaxParticipants()),
	}
	if sec := r.GetCreationTime(); sec > 0 {
		info.CreatedAt = time.Unix(sec, 0)
	}
	return info
}

// logCallError はRoomServiceの呼び出し失敗を記録する。
func (c *LiveKitClient) logCallError(method string, err error) {
	attrs := []any{
		slog.String("method", method),
		slog.String("error", err.Error()),
	}
	var te twirp.Error
	if errors.As(err, &te) {
		attrs = append(attrs,
			slog.String("twirp_code", string(te.Code())),
			slog.String("twirp_msg", te.Msg()),
		)
	}
	c.logger.Error("ビデオプロバイダーの呼び出しに失敗しました", attrs...)
}

// ListRooms は指定名のルームのうちプロバイダー上に存在するものを返す。
func (c *LiveKitClient) ListRooms(ctx context.Context, names []string) ([]RoomInfo, error) {
	resp, err := c.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{Names: names})
	if err != nil {
		c.logCallError("ListRooms", err)
		return nil, fmt.Errorf("ListRooms request failed: %w", err)
	}
	rooms := make([]RoomInfo, 0, len(resp.GetRooms()))
	for _, r := range resp.GetRooms() {
		rooms = append(rooms, toRoomInfo(r))
	}
	return rooms, nil
}

// CreateRoom は2人用のルームを作成する。
func (c *LiveKitClient) CreateRoom(ctx context.Context, name string) (*RoomInfo, error) {
	room, err := c.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            name,
		EmptyTimeout:    defaultEmptyTimeout,
		MaxParticipants: maxRoomParticipants,
	})
	if err != nil {
		c.logCallError("CreateRoom", err)
		return nil, fmt.Errorf("CreateRoom request failed: %w", err)
	}
	info := toRoomInfo(room)
	return &info, nil
}

// AccessToken はidentityがroomに参加するためのトークンを発行する。
func (c *LiveKitClient) AccessToken(identity, displayName, room string) (string, error) {
	return c.signer.JoinToken(identity, displayName, room)
}

// ServerURL はクライアントが接続するURLを返す。
func (c *LiveKitClient) ServerURL() string {
	return c.serverURL
}

var _ Provider = (*LiveKitClient)(nil)
