package hk_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/pvaccess-go/pva/hk"
)

func TestHousekeeper(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}

var _ = Describe("Housekeeper", func() {
	var h *hk.Housekeeper

	BeforeEach(func() {
		h = hk.New()
		go h.Run()
		h.WaitStarted()
	})

	AfterEach(func() {
		h.Stop()
	})

	It("fires a one-shot job once", func() {
		fired := make(chan struct{}, 1)
		h.Reg("one-shot", func() time.Duration {
			fired <- struct{}{}
			return 0
		}, time.Millisecond)
		Eventually(fired).Should(Receive())
	})

	It("reschedules a recurring job with its returned interval", func() {
		count := make(chan struct{}, 8)
		h.Reg("recurring", func() time.Duration {
			count <- struct{}{}
			return time.Millisecond
		}, time.Millisecond)
		Eventually(func() int { return len(count) }).Should(BeNumerically(">=", 3))
	})

	It("Unreg prevents further firing", func() {
		fired := make(chan struct{}, 8)
		h.Reg("cancel-me", func() time.Duration {
			fired <- struct{}{}
			return time.Hour
		}, time.Millisecond)
		Eventually(fired).Should(Receive())
		h.Unreg("cancel-me")
		Consistently(fired, 50*time.Millisecond).ShouldNot(Receive())
	})
})
