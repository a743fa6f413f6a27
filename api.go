package recargas

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Server is the HTTP facade over the session manager, order engine, and
// package classifier. Handlers are thin: validation, delegation, response
// shaping. Every auth-dependent handler first runs the manager's lazy retry
// gate so failed accounts come back without a background timer.
type Server struct {
	cfg        *Config
	logger     Logger
	manager    *SessionManager
	engine     *OrderEngine
	classifier *Classifier

	httpServer *http.Server
}

func NewServer(cfg *Config, logger Logger, manager *SessionManager, engine *OrderEngine, classifier *Classifier) *Server {
	if logger == nil {
		logger = NoopLogger{}
	}
	s := &Server{
		cfg:        cfg,
		logger:     PrefixLogger(logger, "api"),
		manager:    manager,
		engine:     engine,
		classifier: classifier,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.CleanPath)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Get("/packages", s.handlePackages)
		r.Post("/recharge", s.handleRecharge)
		r.Get("/orders/{orderID}", s.handleOrder)
		r.Post("/auth/switch", s.handleSwitch)
		r.Post("/auth/refresh", s.handleRefresh)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// A recharge handler can legitimately hold the connection for the
		// whole order tracking window plus an OTP login.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  time.Minute,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	s.logger.Log("listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// requireBearer gates every business route behind the shared caller token.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.Header.Get("X-API-Key")
		}
		if token == "" || token != s.cfg.SharedBearerToken {
			writeError(w, http.StatusUnauthorized, "API key requerida")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.manager.MaybeRetry(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"system":    s.manager.Status(),
	})
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	destination := strings.TrimSpace(r.URL.Query().Get("number"))
	if destination == "" {
		destination = strings.TrimSpace(r.URL.Query().Get("destination"))
	}
	if !validDestination(destination) {
		writeError(w, http.StatusBadRequest, "número debe tener 10 dígitos")
		return
	}

	s.manager.MaybeRetry(r.Context())

	packages, err := s.catalogFor(r.Context(), destination)
	if err != nil {
		s.logger.Log("packages for %s: %v", destination, err)
		writeError(w, http.StatusBadGateway, "error consultando paquetes")
		return
	}

	organized := Organize(packages)
	categories := make([]string, 0, len(organized))
	for _, cat := range packageCategories {
		if _, ok := organized[cat.Key]; ok {
			categories = append(categories, cat.Key)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"destination": destination,
		"packages":    packages,
		"by_category": organized,
		"total":       len(packages),
		"categories":  categories,
	})
}

type rechargeRequest struct {
	Number      string `json:"number"`
	Destination string `json:"destination"`
	PackageID   string `json:"package_id"`
}

func (s *Server) handleRecharge(w http.ResponseWriter, r *http.Request) {
	var req rechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "cuerpo JSON inválido")
		return
	}

	destination := strings.TrimSpace(req.Number)
	if destination == "" {
		destination = strings.TrimSpace(req.Destination)
	}
	packageID := strings.TrimSpace(req.PackageID)
	if packageID == "" {
		writeError(w, http.StatusBadRequest, "number y package_id requeridos")
		return
	}
	if !validDestination(destination) {
		writeError(w, http.StatusBadRequest, "número debe tener 10 dígitos")
		return
	}

	s.manager.MaybeRetry(r.Context())

	packages, err := s.catalogFor(r.Context(), destination)
	if err != nil {
		s.logger.Log("recharge %s: catalog: %v", destination, err)
		writeError(w, http.StatusBadGateway, "error consultando paquetes")
		return
	}

	pkg, found := FindByID(packages, packageID)
	if !found {
		writeError(w, http.StatusNotFound, "paquete no encontrado: "+packageID)
		return
	}

	if ok, remaining := s.engine.CanCreateOrder(destination); !ok {
		writeError(w, http.StatusTooManyRequests,
			(&CooldownError{Destination: destination, Remaining: remaining}).Error())
		return
	}

	order, err := s.engine.ProcessRecharge(r.Context(), destination, pkg)
	if err != nil {
		s.respondRechargeError(w, destination, order, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "recarga completada",
		"data": map[string]any{
			"destination": destination,
			"package": map[string]any{
				"id":     pkg.ID,
				"name":   pkg.Name,
				"amount": pkg.Amount,
			},
			"order_id": order.OrderID,
		},
	})
}

// respondRechargeError maps engine errors onto HTTP statuses: cooldown and
// duplicates are retryable-later (429), a tracking timeout means the outcome
// is unknown (504), a carrier failure is terminal (502).
func (s *Server) respondRechargeError(w http.ResponseWriter, destination string, order *Order, err error) {
	var cooldown *CooldownError
	var failed *OrderFailedError

	switch {
	case errors.As(err, &cooldown):
		writeError(w, http.StatusTooManyRequests, cooldown.Error())

	case errors.Is(err, ErrDuplicateOrder):
		writeError(w, http.StatusTooManyRequests, "espera 60 segundos antes de recargar al mismo número")

	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusServiceUnavailable, "error de autenticación con el operador")

	case errors.As(err, &failed):
		payload := map[string]any{"success": false, "error": failed.Message}
		if failed.Order != nil {
			payload["order_data"] = failed.Order.Raw
		}
		writeJSON(w, http.StatusBadGateway, payload)

	case errors.Is(err, ErrOrderTimeout):
		payload := map[string]any{
			"success": false,
			"error":   "tiempo de espera agotado, verifica el estado más tarde",
		}
		if order != nil && order.OrderID != "" {
			payload["order_id"] = order.OrderID
		}
		writeJSON(w, http.StatusGatewayTimeout, payload)

	default:
		s.logger.Log("recharge %s: %v", destination, err)
		writeError(w, http.StatusBadGateway, "error procesando la recarga")
	}
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order id requerido")
		return
	}

	s.manager.MaybeRetry(r.Context())

	order, err := s.engine.CheckOrderStatus(r.Context(), orderID)
	if err != nil {
		s.logger.Log("order %s: %v", orderID, err)
		writeError(w, http.StatusBadGateway, "error consultando la orden")
		return
	}

	outcome, msg := classifyOrder(order)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"order_id":  orderID,
		"completed": outcome != orderPending,
		"failed":    outcome == orderFailed,
		"message":   msg,
		"order":     order.Raw,
	})
}

// handleSwitch changes the current account. Without an explicit target it
// rotates to the next account that can authenticate.
func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "cuerpo JSON inválido")
			return
		}
	}

	account, err := s.manager.SwitchAccount(r.Context(), strings.TrimSpace(req.Account))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"current_account": account,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.manager.ForceRefresh(r.Context()) {
		writeError(w, http.StatusBadGateway, "no se pudo renovar el token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"current_account": s.manager.Current(),
	})
}

// catalogFor serves a destination's package catalog from the short-lived
// cache, fetching from the carrier on a miss.
func (s *Server) catalogFor(ctx context.Context, destination string) ([]Package, error) {
	if packages, ok := s.classifier.Cached(destination); ok {
		return packages, nil
	}

	packages, err := s.engine.GetPackages(ctx, destination)
	if err != nil {
		return nil, err
	}
	s.classifier.CachePackages(destination, packages)
	return packages, nil
}

// validDestination accepts local 10-digit subscriber numbers.
func validDestination(number string) bool {
	if len(number) != 10 {
		return false
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}
