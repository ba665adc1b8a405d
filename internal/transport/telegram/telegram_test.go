package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"pewcast/internal/retry"
	"pewcast/internal/storage"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	text := strings.Repeat(line+"\n", 10)
	chunks := splitText(text, 100, "")
	if len(chunks) < 4 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk too long: %d", len(c))
		}
		if strings.HasPrefix(c, "\n") {
			t.Fatal("chunk starts with newline")
		}
	}
	if got := splitText("short", 100, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text = %v", got)
	}
}

func TestSplitTextAvoidsHTMLTags(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 95) + "<b>bold</b>"
	chunks := splitText(text, 100, "HTML")
	if !strings.HasPrefix(chunks[1], "<b>") {
		t.Fatalf("tag was split: %q", chunks)
	}
}

func TestSplitTextKeepsHTMLBalanced(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		text      string
		wantFirst string
		wantNext  string
	}{
		{"open element", strings.Repeat("x", 90) + "<b>bold text</b>", strings.Repeat("x", 90), "<b>bold text</b>"},
		{"nested element", strings.Repeat("x", 88) + "<b>a <i>b</i> c</b>", strings.Repeat("x", 88), "<b>a <i>b</i> c</b>"},
		{"closed element stays", strings.Repeat("x", 80) + "<b>ok</b>" + strings.Repeat("y", 20), strings.Repeat("x", 80) + "<b>ok</b>" + strings.Repeat("y", 11), strings.Repeat("y", 9)},
		{"entity", strings.Repeat("x", 97) + "&amp;yy", strings.Repeat("x", 97), "&amp;yy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			chunks := splitText(tc.text, 100, "HTML")
			if len(chunks) != 2 || chunks[0] != tc.wantFirst || chunks[1] != tc.wantNext {
				t.Fatalf("chunks = %q", chunks)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	flood := tele.FloodError{RetryAfter: 7}
	var ra retry.RetryAfterError
	if err := classify(flood); !errors.As(err, &ra) || ra.RetryAfter() != 7*time.Second {
		t.Fatalf("flood = %v", err)
	}
	if err := classify(fmt.Errorf("send: %w", tele.ErrBlockedByUser)); !retry.IsNoRetry(err) {
		t.Fatalf("blocked should be terminal: %v", err)
	}
	if err := classify(tele.NewError(400, "Bad Request: chat not found")); !retry.IsNoRetry(err) {
		t.Fatalf("chat not found should be terminal: %v", err)
	}
	if err := classify(tele.NewError(502, "Bad Gateway")); retry.IsNoRetry(err) {
		t.Fatalf("5xx should be retryable: %v", err)
	}
	if err := classify(errors.New("dial tcp: i/o timeout")); retry.IsNoRetry(err) {
		t.Fatal("network errors are retryable")
	}
}

func TestSendRejectsNonNumericRecipient(t *testing.T) {
	t.Parallel()
	c, err := New(Config{Token: "123:offline", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o := c.Send(context.Background(), kit.Envelope{ContactID: "not-a-chat", Message: storage.Message{Text: "hi"}})
	if o.Success || o.Retryable || !strings.Contains(o.Reason, "invalid recipient") {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestSendPartialDeliveryIsTerminal(t *testing.T) {
	t.Parallel()
	c, err := New(Config{Token: "123:offline", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	calls := 0
	c.send = func(tele.Recipient, any, ...any) (*tele.Message, error) {
		calls++
		if calls == 2 {
			return nil, tele.NewError(502, "Bad Gateway")
		}
		return &tele.Message{}, nil
	}
	msg := storage.Message{Text: strings.Repeat("a", textLimit) + "\n" + strings.Repeat("b", 10)}
	if got := c.Parts(msg); got != 2 {
		t.Fatalf("parts = %d", got)
	}

	o := c.Send(context.Background(), kit.Envelope{ContactID: "42", Message: msg})
	if o.Success || o.Retryable || !strings.Contains(o.Reason, "1 of 2") {
		t.Fatalf("outcome = %+v", o)
	}

	// Failing on the first part leaves nothing delivered, so it stays retryable.
	calls = 1
	o = c.Send(context.Background(), kit.Envelope{ContactID: "42", Message: msg})
	if o.Success || !o.Retryable {
		t.Fatalf("first part failure = %+v", o)
	}
}
