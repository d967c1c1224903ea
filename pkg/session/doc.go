/*
Package session manages an authenticated connection to the fdfe API.

A [Session] owns the bearer token and everything needed to keep it usable: a [credential.Store]
that persists it between runs, an [auth.Authenticator] that obtains a new one, and an
[inet.Executor] that sends requests with it and caches prefetched responses.

[New] establishes the token before returning:

  - If the store holds no token, the session logs in with the configured account and saves the
    result.
  - If the store holds a token, the session adopts it and checks it with a single cheap request.
    A rejected token is deleted from the store. By default construction then fails with a
    *[protocol.FatalAuthError]; set [Config.ReloginOnInvalidToken] to log in again instead.

Once constructed, endpoint code calls [Session.Execute] with a request path:

	s, err := session.New(ctx, config)
	if err != nil {
		return err
	}
	rsp, err := s.Execute(ctx, "details?doc=com.example.app", nil)

A Session may be shared between goroutines. Independent Sessions share no state.
*/
package session
