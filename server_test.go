package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/outbound_backend/models"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"github.com/gin-gonic/gin"
)

func TestRespondWritesResultAndStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	// Handlers pass a models call's (result, error) pair straight through.
	respond(c, http.StatusOK)(models.ParseAllocationStrategy("fifo"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(w.Body.String()); body != `"fifo"` {
		t.Fatalf("body = %q, want %q", body, `"fifo"`)
	}
}

func TestRespondMapsErrorToStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	respond(c, http.StatusCreated)(nil, models.ErrReservationConflict)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if !strings.Contains(w.Body.String(), "error") {
		t.Fatalf("body %q carries no error field", w.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{utils.ErrorRecordNotFound, http.StatusNotFound},
		{models.ErrReservationConflict, http.StatusConflict},
		{models.ErrDuplicateSequence, http.StatusConflict},
		{models.ErrInvalidPickQuantity, http.StatusUnprocessableEntity},
		{models.ErrAllocationNotPickable, http.StatusUnprocessableEntity},
		{models.ErrBackOrderAlreadyCancelled, http.StatusUnprocessableEntity},
		{models.ErrQualityCheckRequired, http.StatusUnprocessableEntity},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
