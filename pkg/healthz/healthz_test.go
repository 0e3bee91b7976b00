// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package healthz_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/devmem/pkg/healthz"
)

func TestHealthz(t *testing.T) {
	var (
		r      = NewRegistry()
		mux    = http.NewServeMux()
		status = Healthy
	)

	require.Nil(t, r.Register("memory", func() (Status, error) {
		if status == Healthy {
			return Healthy, nil
		}
		return status, fmt.Errorf("2 leaked locks")
	}), "unexpected Register() error")
	require.Nil(t, r.Register("storage", func() (Status, error) { return Healthy, nil }),
		"unexpected Register() error")
	require.NotNil(t, r.Register("memory", nil), "duplicate registration should fail")

	r.Setup(mux)

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec
	}

	rec := get()
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	status = Degraded
	rec = get()
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "degraded\nmemory: 2 leaked locks\n", rec.Body.String())

	s, details := r.Check()
	require.Equal(t, Degraded, s)
	require.Len(t, details, 1)
}
