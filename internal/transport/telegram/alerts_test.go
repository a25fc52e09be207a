package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlertSenderPostsToChat(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			body, _ := io.ReadAll(r.Body)
			got <- string(body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-100,"type":"supergroup"}}}`))
	}))
	defer srv.Close()

	s, err := NewAlertSender(Config{Token: "123:abc", ChatID: -100, URL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, s.SendAlert(context.Background(), "pubsub refresh failed"))
	require.Contains(t, <-got, "pubsub refresh failed")
}

func TestNewAlertSenderValidates(t *testing.T) {
	_, err := NewAlertSender(Config{ChatID: 1})
	require.Error(t, err)
	_, err = NewAlertSender(Config{Token: "x"})
	require.Error(t, err)
}
