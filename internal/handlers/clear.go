package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/tailview/tailview/internal/guard"
	"github.com/tailview/tailview/internal/registry"
	"github.com/tailview/tailview/internal/sshpool"
)

type clearRequest struct {
	Source string `json:"source"`
}

// ClearLog empties a source's file: truncate for local files, a guarded
// truncate command for remote ones. The tailer sees the shrink as a
// rotation and follows the file from offset zero.
func (a *API) ClearLog(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		writeError(w, http.StatusBadRequest, "Body must be JSON with a source field")
		return
	}

	src, ok := a.Registry.Lookup(req.Source)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown source: %s", req.Source))
		return
	}

	var err error
	if src.Kind == registry.KindRemote {
		err = a.clearRemote(r, src)
	} else {
		err = os.Truncate(src.Path, 0)
	}
	if err != nil {
		var rej *guard.Rejection
		switch {
		case errors.As(err, &rej):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, sshpool.ErrPoolExhausted):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case os.IsNotExist(err):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			log.Printf("[handlers] clear %s: %v", src.ID, err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to clear log: %v", err))
		}
		return
	}

	log.Printf("[handlers] cleared %s", src.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "source": src.ID})
}

func (a *API) clearRemote(r *http.Request, src registry.Source) error {
	cmd := "truncate -s 0 " + src.Path
	if err := guard.ValidateCommand(cmd, guard.DefaultAllowedVerbs); err != nil {
		return err
	}

	lease, err := a.Pool.Acquire(r.Context(), *src.Host)
	if err != nil {
		return err
	}

	session, err := lease.Client().NewSession()
	if err != nil {
		lease.Discard()
		return fmt.Errorf("open ssh session: %w", err)
	}
	runErr := session.Run(cmd)
	session.Close()
	if runErr != nil {
		lease.Discard()
		return fmt.Errorf("run %q: %w", cmd, runErr)
	}
	lease.Release()
	return nil
}
