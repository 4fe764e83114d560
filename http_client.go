package main

import (
	"net/http"
	"time"
)

const externalHTTPTimeout = 30 * time.Second

// externalHTTPClient is shared by every outbound HTTP integration so a
// single slow dependency cannot hold a request slot forever.
var externalHTTPClient = &http.Client{
	Timeout: externalHTTPTimeout,
}
