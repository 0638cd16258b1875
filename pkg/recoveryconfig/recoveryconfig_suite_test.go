package recoveryconfig_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRecoveryConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "recoveryconfig suite")
}
