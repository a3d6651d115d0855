package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"relaybot/internal/domain"
	"relaybot/internal/infra"

	"github.com/shopspring/decimal"
)

// webhookRequest is the inbound alert payload. TradingView templates send
// "percentage"; the operator CLI sends "PercentAmount". Both mean the same
// thing and at most one is expected.
type webhookRequest struct {
	Passphrase    string           `json:"passphrase"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Percentage    *decimal.Decimal `json:"percentage"`
	PercentAmount *decimal.Decimal `json:"PercentAmount"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Type          string           `json:"type"`
	LimitPrice    decimal.Decimal  `json:"limit_price"`
	TimeInForce   string           `json:"timeInForce"`
	Reason        string           `json:"reason"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req webhookRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Auth first: a bad passphrase leaves no trace beyond this log line.
	if !s.authorized(req.Passphrase) {
		authErr := &domain.AuthError{Remote: r.RemoteAddr}
		s.logger.Warn("webhook rejected", slog.Any("error", authErr), slog.String("remote", authErr.Remote))
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	infra.GlobalMetrics.RecordSignal()

	sig, err := signalFromRequest(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("signal received",
		slog.String("symbol", sig.Symbol),
		slog.String("side", sig.Side),
		slog.String("reason", sig.Reason),
	)

	result, err := s.engine.HandleSignal(r.Context(), sig)
	if err != nil {
		var rej *domain.SizingRejected
		if errors.As(err, &rej) {
			// Success-shaped: the signal was understood, the trade was
			// simply too small to place.
			writeJSON(w, http.StatusOK, map[string]string{
				"status": "Skipped",
				"msg":    rej.Reason,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// signalFromRequest validates and normalizes the payload into a trade signal.
func signalFromRequest(req *webhookRequest) (*domain.TradeSignal, error) {
	symbol := domain.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, fmt.Errorf("side must be BUY or SELL, got %q", req.Side)
	}

	sig := &domain.TradeSignal{
		Symbol:      symbol,
		Side:        side,
		Quantity:    req.Quantity,
		OrderType:   strings.ToUpper(strings.TrimSpace(req.Type)),
		LimitPrice:  req.LimitPrice,
		TimeInForce: req.TimeInForce,
		Reason:      req.Reason,
	}

	if pct := req.Percentage; pct != nil {
		sig.Percent = *pct
		sig.HasPercent = true
	} else if pct := req.PercentAmount; pct != nil {
		sig.Percent = *pct
		sig.HasPercent = true
	}

	return sig, nil
}

// authorized compares passphrases in constant time.
func (s *Server) authorized(supplied string) bool {
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.passphrase)) == 1
}
