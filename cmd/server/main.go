package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Hynak-jp/Avance-basystem-sub000/internal/blob"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/cache"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/config"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/folders"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/intake"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/ledger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/logger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/staging"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/statusapi"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/store"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/caseid"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/db"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/httpx"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/signature"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()

	var st store.Store
	if cfg.DatabaseURL != "" {
		st = store.NewPostgres(db.MustConnect(ctx, cfg.DatabaseURL), cfg.LockWait())
		log.Info("store backend", "kind", "postgres")
	} else {
		st = store.NewMemory()
		log.Warn("store backend", "kind", "memory", "note", "state is not durable")
	}

	var c cache.Cache
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatal("redis unavailable", "addr", cfg.RedisAddr, "error", err.Error())
		}
		c = rc
		log.Info("cache backend", "kind", "redis")
	} else {
		c = cache.NewMemory()
		log.Warn("cache backend", "kind", "memory")
	}

	var blobs blob.Store
	if cfg.Bucket != "" {
		gcs, err := blob.NewGCS(ctx, cfg.Bucket)
		if err != nil {
			log.Fatal("bucket unavailable", "bucket", cfg.Bucket, "error", err.Error())
		}
		blobs = gcs
		log.Info("blob backend", "kind", "gcs", "bucket", cfg.Bucket)
	} else {
		blobs = blob.NewMemory()
		log.Warn("blob backend", "kind", "memory")
	}

	fr := folders.New(st, blobs, log)
	fr.Weights = cfg.FolderWeights

	led := ledger.New(st, log)

	rec := staging.NewReconciler(st, blobs, fr, led, log)
	rec.RescueEnabled = cfg.RescueEnabled
	rec.RescueWindow = cfg.RescueWindow()

	svc := intake.NewService(st, blobs, fr, led, rec, log)

	api := &statusapi.Handler{
		Store:  st,
		Ledger: led,
		Reads: &signature.Verifier{
			Secret: cfg.FormSecret, Window: cfg.SigWindow(), AcceptLegacy: cfg.AllowLegacyStatusSig,
		},
		Mutations: &signature.Verifier{
			Secret: cfg.FormSecret, Window: cfg.SigWindow(), Nonces: c,
		},
		Cache:    c,
		CacheTTL: cfg.StatusCacheTTL(),
		Log:      log,
	}
	led.OnMutate = api.InvalidateStatus

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			httpx.WriteError(w, 503, "STORE_DOWN", "store unreachable", nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"ok": true})
	})

	api.Routes(r)

	r.Post("/intake", func(w http.ResponseWriter, r *http.Request) {
		body, err := readAll(r, 1<<20)
		if err != nil {
			httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
			return
		}
		if !signature.VerifyBody(cfg.FormSecret, body, r.Header.Get("x-signature")) {
			httpx.WriteError(w, 401, "SIG_INVALID", "body signature verification failed", nil)
			return
		}
		var req struct {
			Subject    string `json:"subject"`
			Body       string `json:"body"`
			ReceivedAt string `json:"received_at,omitempty"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		msg := intake.Message{Subject: req.Subject, Body: req.Body}
		if req.ReceivedAt != "" {
			if t, err := time.Parse(time.RFC3339, req.ReceivedAt); err == nil {
				msg.ReceivedAt = t
			}
		}
		res, err := svc.Ingest(r.Context(), msg)
		if err != nil {
			httpx.WriteError(w, 500, "INTAKE_ERROR", "intake failed", nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"ok": true, "request_id": httpx.NewRequestID(), "result": res})
	})

	// Administrative trigger: reconcile staged artifacts against one case.
	r.Post("/admin/reconcile", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CaseKey string `json:"case_key"`
			Ts      string `json:"ts"`
			Sig     string `json:"sig"`
			P       string `json:"p,omitempty"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		row, err := st.GetCaseByKey(r.Context(), req.CaseKey)
		if err != nil {
			httpx.WriteError(w, 404, "NOT_FOUND", "unknown case", nil)
			return
		}
		p := signature.Params{LineID: row.LineID, CaseID: row.CaseID, Timestamp: req.Ts, Sig: req.Sig, P: req.P}
		if err := api.Mutations.VerifyOnce(r.Context(), p); err != nil {
			httpx.WriteError(w, 401, "SIG_INVALID", "signature verification failed", nil)
			return
		}
		n, err := rec.Reconcile(r.Context(), identityOf(row))
		if err != nil {
			httpx.WriteError(w, 500, "RECONCILE_ERROR", "reconciliation failed", nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"ok": true, "case_key": row.CaseKey, "migrated": n})
	})

	// Administrative sweep: mark an invalid ledger row void. The row stays in
	// the ledger; voided rows are excluded from seq computation and status.
	r.Post("/admin/void", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CaseID  string `json:"case_id"`
			FormKey string `json:"form_key"`
			Seq     int    `json:"seq"`
			Reason  string `json:"reason,omitempty"`
			Ts      string `json:"ts"`
			Sig     string `json:"sig"`
			P       string `json:"p,omitempty"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		row, err := st.GetCaseByID(r.Context(), req.CaseID)
		if err != nil {
			httpx.WriteError(w, 404, "NOT_FOUND", "unknown case", nil)
			return
		}
		p := signature.Params{LineID: row.LineID, CaseID: row.CaseID, Timestamp: req.Ts, Sig: req.Sig, P: req.P}
		if err := api.Mutations.VerifyOnce(r.Context(), p); err != nil {
			httpx.WriteError(w, 401, "SIG_INVALID", "signature verification failed", nil)
			return
		}
		if err := led.Sweep(r.Context(), row.CaseID, req.FormKey, req.Seq, req.Reason); err != nil {
			httpx.WriteError(w, 500, "LEDGER_ERROR", "sweep failed", nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"ok": true, "case_id": row.CaseID, "form_key": req.FormKey, "seq": req.Seq, "status": "void"})
	})

	log.Info("listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal("server stopped", "error", err.Error())
	}
}

func readAll(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, limit))
}

func identityOf(row store.CaseRow) caseid.Identity {
	return caseid.Identity{LineID: row.LineID, UserKey: row.UserKey, CaseID: row.CaseID, CaseKey: row.CaseKey}
}
