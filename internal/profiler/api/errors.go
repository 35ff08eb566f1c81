package api

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

const (
	internalErrorMessage = "Profiler internal error"
	internalErrorCode    = 1
)

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Code    *int   `json:"code"`
}

type paramError struct {
	message string
}

func (e *paramError) Error() string {
	return e.message
}

func namedParamError(name string) *paramError {
	return &paramError{message: "Param \"" + name + "\" error"}
}

var gridParamError = &paramError{message: "Param error"}

func writeError(w http.ResponseWriter, status int, message string, code *int) {
	writeJson(w, status, errorBody{Error: apiError{Status: status, Message: message, Code: code}})
}

func writeInternalError(w http.ResponseWriter) {
	code := internalErrorCode
	writeError(w, http.StatusInternalServerError, internalErrorMessage, &code)
}

func writeJson(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}
