package eventstore

import "go.uber.org/zap"

// newLogger builds the sugared zap logger every Store carries, named for
// the embedding service. The source this is generalized from references a
// pkg/logger package from its public API (pkg/ignite/ignite.go) that the
// retrieved teacher repository never actually includes, so this fills that
// gap the way the rest of the pack constructs its loggers: a production
// zap.Logger, sugared, with the service name attached as a field.
func newLogger(service string) (*zap.SugaredLogger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return logger.Sugar().With("service", service), nil
}
