package main

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// startLocalRelay levanta un relay de bridge en loopback para correr el
// escenario bridge sin un servicio externo. Acepta toda transferencia y es
// idempotente por transfer_id: un reintento devuelve el registro existente.
func startLocalRelay() (url string, stop func(), err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	var (
		mu        sync.Mutex
		transfers = make(map[string]string) // transfer_id → status
	)
	reply := func(w http.ResponseWriter, id, status string) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"transfer_id": id,
			"status":      status,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transfers", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TransferID string `json:"transfer_id"`
			DealID     uint64 `json:"deal_id"`
			Amount     string `json:"amount"`
			Recipient  string `json:"recipient"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.TransferID == "" {
			req.TransferID = uuid.NewString()
		}

		mu.Lock()
		status, seen := transfers[req.TransferID]
		if !seen {
			status = "pending"
			transfers[req.TransferID] = status
		}
		mu.Unlock()

		if seen {
			slog.Debug("relay: duplicate transfer", "transfer", req.TransferID, "deal", req.DealID)
		} else {
			slog.Debug("relay: transfer accepted",
				"transfer", req.TransferID, "deal", req.DealID, "amount", req.Amount, "recipient", req.Recipient)
		}
		reply(w, req.TransferID, status)
	})
	mux.HandleFunc("GET /v1/transfers/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		mu.Lock()
		status, ok := transfers[id]
		mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		reply(w, id, status)
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("relay: serve failed", "err", err)
		}
	}()
	return "http://" + ln.Addr().String(), func() { _ = srv.Close() }, nil
}
