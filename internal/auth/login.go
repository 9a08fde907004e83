package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	callbackAddr = "127.0.0.1:1455"
	callbackPath = "/auth/callback"
	loginTimeout = 120 * time.Second
)

// LoginOptions control the interactive login flow.
type LoginOptions struct {
	// QR renders the authorization URL as a terminal QR code instead of
	// opening a browser, for headless hosts.
	QR bool
	// Out receives user-facing progress output.
	Out io.Writer
}

// Login runs the OAuth PKCE flow: start the localhost callback server,
// send the user to the authorization page, exchange the returned code for
// tokens, and persist them.
func (m *Manager) Login(ctx context.Context, opts LoginOptions) error {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	verifier, challenge, err := generatePKCE()
	if err != nil {
		return fmt.Errorf("generate pkce: %w", err)
	}
	state, err := randomState()
	if err != nil {
		return fmt.Errorf("generate state: %w", err)
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {ClientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {oauthScope},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"audience":              {audience},
	}
	authURL := authorizeURL + "?" + params.Encode()

	type callback struct {
		code  string
		state string
		err   string
	}
	results := make(chan callback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		cb := callback{
			code:  q.Get("code"),
			state: q.Get("state"),
			err:   q.Get("error"),
		}
		w.Header().Set("Content-Type", "text/html")
		if cb.code != "" {
			fmt.Fprint(w, "<html><body><h2>Login successful!</h2>"+
				"<p>You can close this tab and return to the terminal.</p></body></html>")
		} else {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "<html><body><h2>Login failed: %s</h2></body></html>", cb.err)
		}
		select {
		case results <- cb:
		default:
		}
	})

	ln, err := net.Listen("tcp", callbackAddr)
	if err != nil {
		return fmt.Errorf("cannot bind callback port %s (is another process using it?): %w", callbackAddr, err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln) //nolint:errcheck // shut down below
	defer srv.Close()

	if opts.QR {
		qr, err := qrcode.New(authURL, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("render qr code: %w", err)
		}
		fmt.Fprintln(out, "Scan this QR code to log in, or visit the URL below:")
		fmt.Fprintln(out, qr.ToSmallString(false))
		fmt.Fprintln(out, authURL)
	} else {
		fmt.Fprintln(out, "Opening browser for OpenAI login...")
		fmt.Fprintf(out, "If the browser doesn't open, visit:\n%s\n\n", authURL)
		openBrowser(authURL)
	}

	fmt.Fprintln(out, "Waiting for authorization...")

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	var cb callback
	select {
	case cb = <-results:
	case <-ctx.Done():
		return errors.New("login timed out, no authorization code received")
	}

	if cb.code == "" {
		return fmt.Errorf("login failed: %s", cb.err)
	}
	if cb.state != state {
		return errors.New("login failed: state mismatch")
	}

	fmt.Fprintln(out, "Exchanging authorization code for tokens...")
	if err := m.exchangeCode(ctx, cb.code, verifier); err != nil {
		return err
	}

	acct := m.AccountID()
	if acct == "" {
		acct = "unknown"
	}
	fmt.Fprintf(out, "Login successful! Account: %s\n", acct)
	return nil
}

// openBrowser opens a URL in the default browser, best effort.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	cmd.Start() //nolint:errcheck // best effort
}
