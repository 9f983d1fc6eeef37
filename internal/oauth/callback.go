package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// callbackWait bounds the whole browser round trip.
const callbackWait = 10 * time.Minute

const successPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Switchboard</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 15vh;">
<h1>Login successful</h1>
<p>You can close this window and return to Switchboard.</p>
</body>
</html>`

const failurePage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Switchboard</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 15vh;">
<h1>Login failed</h1>
<p>%s</p>
</body>
</html>`

// callbackResult is what the loopback handler hands back to the flow.
type callbackResult struct {
	code string
	err  error
}

// callbackServer owns the loopback listener for one authorization
// attempt. It serves every registered callback path, answers exactly
// one result, and is shut down by the flow on success, timeout, or
// cancellation.
type callbackServer struct {
	ln      net.Listener
	srv     *http.Server
	state   string
	results chan callbackResult
}

// newCallbackServer starts serving on ln. state is the expected CSRF
// token; paths are the routes the provider's redirect URI may hit.
func newCallbackServer(ln net.Listener, state string, paths []string) *callbackServer {
	cs := &callbackServer{
		ln:      ln,
		state:   state,
		results: make(chan callbackResult, 1),
	}
	mux := http.NewServeMux()
	for _, p := range paths {
		mux.HandleFunc(p, cs.handle)
	}
	cs.srv = &http.Server{Handler: mux}
	go func() {
		if err := cs.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cs.deliver(callbackResult{err: fmt.Errorf("oauth: callback server: %w", err)})
		}
	}()
	return cs
}

func (cs *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if msg := q.Get("error"); msg != "" {
		if desc := q.Get("error_description"); desc != "" {
			msg = desc
		}
		fmt.Fprintf(w, failurePage, "The authorization server reported: "+msg)
		cs.deliver(callbackResult{err: fmt.Errorf("oauth: authorization denied: %s", msg)})
		return
	}
	if q.Get("state") != cs.state {
		fmt.Fprintf(w, failurePage, "State mismatch. Please retry the login from Switchboard.")
		cs.deliver(callbackResult{err: errors.New("oauth: state mismatch")})
		return
	}
	code := q.Get("code")
	if code == "" {
		fmt.Fprintf(w, failurePage, "The callback carried no authorization code.")
		cs.deliver(callbackResult{err: errors.New("oauth: callback missing code")})
		return
	}
	fmt.Fprint(w, successPage)
	cs.deliver(callbackResult{code: code})
}

// deliver hands over the first result; later hits (refreshes, stray
// probes) are answered with a page but otherwise dropped.
func (cs *callbackServer) deliver(res callbackResult) {
	select {
	case cs.results <- res:
	default:
	}
}

// wait blocks for the first callback, the deadline, or ctx.
func (cs *callbackServer) wait(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-cs.results:
		return res.code, res.err
	case <-timer.C:
		return "", errors.New("oauth: timed out waiting for callback")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// close releases the listener.
func (cs *callbackServer) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = cs.srv.Shutdown(shutdownCtx)
}
