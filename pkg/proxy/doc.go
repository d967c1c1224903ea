/*
Package proxy implements a REST API that forwards store queries through a single shared session.

Routes:

	GET /v1/details/{package}
	GET /v1/reviews/{package}?sort=newest|rating|helpful&n=COUNT&o=OFFSET&dfil=1
	GET /v1/browse
	GET /v1/validate

Successful queries return the selected protobuf sub-message with Content-Type
application/x-protobuf. Errors are returned as JSON.
*/
package proxy
