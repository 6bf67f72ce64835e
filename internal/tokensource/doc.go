// Package tokensource serves mail provider credentials kept in a TokenStore slot
// as an oauth2.TokenSource.
//
// A slot holds either a bare bearer token or a JSON credential:
//
//	{"access_token":"ya29...","refresh_token":"1//...","expiry":"2025-05-20T09:00:00Z"}
//
// # Refresh
//
// Expired credentials that carry a refresh token are exchanged at the configured
// endpoint and written back to the slot:
//
//	ts, err := tokensource.New(store, "gmail_token",
//		tokensource.WithRefresh(clientID, clientSecret, tokensource.Endpoint),
//	)
//	client := &http.Client{Transport: &oauth2.Transport{Source: ts}}
//
// Without WithRefresh an expired credential yields ErrNoToken.
package tokensource
