// Package api defines the client-visible error taxonomy of the dynapi gateway.
//
// Every failure that leaves the gateway is an [APIError] carrying an
// [ErrorCode]. The code determines the HTTP status; the body is always an
// [ErrorResponse]:
//
//	{"error":"API_NOT_FOUND","message":"...","statusCode":404,
//	 "requestId":"...","timestamp":"...","details":{...}}
//
// The package performs no I/O.
package api
