package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestValidateBaseURL(t *testing.T) {
	guard := NewOutboundGuard()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"公開HTTPSホストは許可", "https://api.payment.example.com", false},
		{"公開HTTPホストは許可", "http://api.payment.example.com/v1", false},
		{"空URLは拒否", "", true},
		{"スキームなしは拒否", "api.payment.example.com", true},
		{"ftpスキームは拒否", "ftp://api.payment.example.com", true},
		{"fileスキームは拒否", "file:///etc/passwd", true},
		{"localhostは拒否", "https://localhost:8080", true},
		{"大文字のlocalhostも拒否", "https://LOCALHOST", true},
		{"ループバックIPは拒否", "https://127.0.0.1", true},
		{"プライベートIP 10.x は拒否", "https://10.0.0.5", true},
		{"プライベートIP 172.16.x は拒否", "https://172.16.0.1", true},
		{"プライベートIP 192.168.x は拒否", "https://192.168.1.1", true},
		{"クラウドメタデータIPは拒否", "https://169.254.169.254", true},
		{"IPv6ループバックは拒否", "https://[::1]", true},
		{"IPv6リンクローカルは拒否", "https://[fe80::1]", true},
		{"公開IPは許可", "https://93.184.216.34", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateBaseURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBaseURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestNewSafeClient(t *testing.T) {
	guard := NewOutboundGuard()

	client := guard.NewSafeClient(5 * time.Second)
	if client == nil {
		t.Fatal("NewSafeClient() returned nil")
	}
	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", client.Timeout)
	}
	if client.Transport == nil {
		t.Error("Transport = nil, want safeurl dialer hook")
	}
}

// httptestサーバーは127.0.0.1で起動されるため、safeurlがブロックする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	guard := NewOutboundGuard()
	client := guard.NewSafeClient(5 * time.Second)

	if _, err := client.Get(ts.URL); err == nil {
		t.Error("request to loopback address succeeded, want block")
	}
}

func TestIsBlockedIP_NetworkRanges(t *testing.T) {
	// 境界値: 172.15.xと172.32.xはプライベート範囲外
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://172.15.255.255", false},
		{"https://172.31.255.255", true},
		{"https://172.32.0.0", false},
		{"https://9.255.255.255", false},
		{"https://11.0.0.0", false},
	}

	guard := NewOutboundGuard()
	for _, tt := range tests {
		err := guard.ValidateBaseURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateBaseURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}
