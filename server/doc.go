// Package server implements the OpenID Connect provider pipeline.
//
// A Server wires the request validator, the grant processors and the token
// service together. For each protocol operation it validates the request,
// runs the grant or lookup, mints tokens and persists what the response
// refers to. Issuance is all or nothing: a response is only returned once
// every reference and refresh record it names has been stored.
//
// The package has no HTTP surface. The root oauth package maps the methods
// of Server onto endpoints and translates *protocol.Error values into wire
// responses.
//
// Example usage:
//
//	reg, _ := registry.New(snapshot, logger)
//	store := memory.New()
//
//	srv, err := server.New(server.Dependencies{
//	    Registry: reg,
//	    Store:    store,
//	    Keys:     keyProvider,
//	}, &server.Config{Issuer: "https://id.example.com"}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := srv.Token(ctx, form, creds, clientIP)
package server
