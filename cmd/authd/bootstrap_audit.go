package main

import (
	"go.uber.org/zap"

	config "github.com/sebastianhamm/kapelle-auth/internal/config/authd"
	"github.com/sebastianhamm/kapelle-auth/internal/domain/audit"
	kafkarepo "github.com/sebastianhamm/kapelle-auth/internal/repository/kafka"
)

func initAudit(cfg *config.Config, logger *zap.Logger) (audit.Publisher, func()) {
	if !cfg.Audit.Enable {
		return audit.Nop{}, func() {}
	}
	p := kafkarepo.NewAuditProducer(cfg.Audit.Brokers, cfg.Audit.Topic, logger)
	return p, func() { _ = p.Close() }
}
