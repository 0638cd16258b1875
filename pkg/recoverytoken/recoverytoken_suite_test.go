package recoverytoken_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRecoveryToken(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "recoverytoken suite")
}
