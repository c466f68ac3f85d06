package httpapi

import "errors"

var errBuildOneUnconfigured = errors.New("httpapi: build-one is not configured on this server")
