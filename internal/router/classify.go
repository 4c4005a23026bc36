package router

import (
	"strings"

	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/service"
)

// Intent 一个信封收件人的处理意图
type Intent string

const (
	IntentUnsubscribe Intent = "unsubscribe"
	IntentReply       Intent = "reply"
	IntentSendFrom    Intent = "send_from"
	IntentForward     Intent = "forward"
)

// Decision 分类结果
type Decision struct {
	Intent Intent
	// Destination 回复或发信的目标地址（由扩展解码得到）
	Destination string
}

// Classify 根据解析结果、扩展与发件人身份选择处理意图。
// senderVerified 仅在扩展可解码为邮箱地址时才有意义。
func Classify(id *service.Identity, rcpt domain.EnvelopeRecipient, email *domain.EmailData, senderVerified bool) Decision {
	if id.Unsubscribe {
		return Decision{Intent: IntentUnsubscribe}
	}

	if destination, ok := rcpt.DecodedExtension(); ok && senderVerified {
		if email.InReplyTo != "" {
			return Decision{Intent: IntentReply, Destination: destination}
		}
		return Decision{Intent: IntentSendFrom, Destination: destination}
	}

	return Decision{Intent: IntentForward}
}

// isBounceSender 退信或空发件人
func isBounceSender(sender string) bool {
	if sender == "" || sender == "<>" {
		return true
	}
	local := sender
	if i := strings.LastIndex(sender, "@"); i >= 0 {
		local = sender[:i]
	}
	return strings.EqualFold(local, "mailer-daemon")
}
