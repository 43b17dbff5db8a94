package taskpool

import (
	"strconv"

	"github.com/Sassine/taskpool-core/pkg/common/config"
)

// SupplierConfigFrom builds a SupplierConfig from a resolved
// common/config.Config, applying the "autodetect" sentinel and the
// poolable/detached-additive relationship spec.md §6 describes.
func SupplierConfigFrom(name string, cfg *config.Config) (SupplierConfig, error) {
	sc := SupplierConfig{
		Name:                  name,
		DaemonByDefault:       cfg.ThreadSupplierDefaultDaemonFlagValue,
		MaxDetachedAdditional: cfg.ThreadSupplierMaxDetachedThreadCount,
		RequestTimeout:        cfg.RequestTimeout(),
		IncreasingStep:        cfg.ThreadSupplierIncreasingStep,
		DecayThreshold:        cfg.DecayThreshold(),
	}

	if cfg.ThreadSupplierMaxPoolableThreadCount == "autodetect" {
		sc.MaxPoolable = AutoDetectPoolable
	} else {
		n, err := strconv.Atoi(cfg.ThreadSupplierMaxPoolableThreadCount)
		if err != nil {
			return SupplierConfig{}, newError(AdmissionErr, "config", err)
		}
		sc.MaxPoolable = n
	}
	return sc, nil
}
