// Package centralauth manages short-lived OAuth2 bearer tokens for a
// partitioned REST API whose identity provider only issues one token per
// cooldown window, and makes authenticated calls against that API.
//
// # Architecture
//
// TokenManager: Hands out valid tokens for one credential set. Callers that
// find the cached token stale share a single refresh, so N concurrent callers
// produce exactly one token endpoint request. Tokens are renewed a refresh
// buffer before they really expire.
//
// TokenStore: Persists the latest token per credential set so a restarted
// process adopts it instead of asking the provider again. Implementations live
// in the stores package (file system, Redis, GORM, Datastore).
//
// AuthClient: Performs API calls with the managed token. A 401 triggers one
// forced refresh and one retry, a 429 is retried with bounded backoff, and
// 5xx responses get a configurable number of immediate retries.
//
// SessionRegistry: Maps opaque session IDs (for the dashboard backend) to the
// token manager of the session's credential set, with sliding or absolute expiry.
//
// # Basic Usage
//
//	creds := centralauth.CredentialSet{
//	    ClientID:      os.Getenv("ARUBA_CLIENT_ID"),
//	    ClientSecret:  os.Getenv("ARUBA_CLIENT_SECRET"),
//	    TokenEndpoint: "https://apigw-prod2.central.arubanetworks.com/oauth2/token",
//	    GrantType:     centralauth.GrantClientCredentials,
//	}
//	acquirer, _ := grants.New(creds)
//	store, _ := stores.NewFSTokenStore("", "centralauth", nil)
//	manager := centralauth.NewTokenManager(ctx, creds, acquirer, store)
//	client := centralauth.NewAuthClient("https://apigw-prod2.central.arubanetworks.com", manager)
//
//	var devices map[string]any
//	err := client.Get(ctx, "/monitoring/v1/devices", nil, &devices)
//
// # Errors
//
// Every failure the manager or client classifies is an *Error with a Kind.
// Use errors.Is with the sentinels (ErrRateLimitExceeded, ErrNotFound, ...)
// or KindOf to branch on them. Responses enumerated as Unsupported come back
// as a Response with Absent set instead of an error.
package centralauth
