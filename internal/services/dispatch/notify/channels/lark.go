package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/louisbranch/dispatch/internal/services/dispatch/notify"
)

// LarkCreateFunc matches the Lark IM message create call.
type LarkCreateFunc func(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)

// Lark sends text messages through the Lark/Feishu IM API.
type Lark struct {
	create LarkCreateFunc
}

// NewLark wraps a create call.
func NewLark(create LarkCreateFunc) *Lark {
	return &Lark{create: create}
}

// OpenLark builds a Lark client for the app credentials.
func OpenLark(appID, appSecret string) *Lark {
	client := lark.NewClient(strings.TrimSpace(appID), strings.TrimSpace(appSecret),
		lark.WithLogLevel(larkcore.LogLevelWarn),
	)
	return NewLark(client.Im.Message.Create)
}

// Name implements notify.Channel.
func (l *Lark) Name() string { return "lark" }

// Send implements notify.Channel. Recipients prefixed oc_ are chats, ou_
// are users by open id, and anything with an @ is an email.
func (l *Lark) Send(ctx context.Context, msg notify.Message) (notify.DeliveryResult, error) {
	recipient := strings.TrimSpace(msg.Recipient)
	idType, ok := larkReceiveIDType(recipient)
	if !ok {
		return notify.DeliveryResult{}, notify.Permanent(fmt.Errorf("lark recipient %q has no known id type", recipient))
	}
	text := msg.Title
	if msg.Body != "" {
		text += "\n\n" + msg.Body
	}
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return notify.DeliveryResult{}, notify.Permanent(fmt.Errorf("encode lark content: %w", err))
	}

	resp, err := l.create(ctx, larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(idType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(recipient).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Uuid(msg.EventID).
			Build()).
		Build())
	if err != nil {
		return notify.DeliveryResult{}, fmt.Errorf("lark send: %w", err)
	}
	if !resp.Success() {
		return notify.DeliveryResult{}, fmt.Errorf("lark send: code=%d msg=%s", resp.Code, resp.Msg)
	}
	result := notify.DeliveryResult{}
	if resp.Data != nil && resp.Data.MessageId != nil {
		result.ProviderID = *resp.Data.MessageId
	}
	return result, nil
}

func larkReceiveIDType(recipient string) (string, bool) {
	switch {
	case strings.HasPrefix(recipient, "oc_"):
		return larkim.ReceiveIdTypeChatId, true
	case strings.HasPrefix(recipient, "ou_"):
		return larkim.ReceiveIdTypeOpenId, true
	case strings.Contains(recipient, "@"):
		return larkim.ReceiveIdTypeEmail, true
	default:
		return "", false
	}
}
