package queue_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/notebook-relay/common/queue"
)

var _ = Describe("Queue Tests", func() {
	It("Will create a new, empty queue correctly", func() {
		q := queue.NewFifo[string](1)
		Expect(q).ToNot(BeNil())
		Expect(q.Len()).To(Equal(0))

		val, ok := q.Dequeue()
		Expect(ok).To(BeFalse())
		Expect(val).To(Equal(""))
	})

	It("Will handle a single enqueue and dequeue operation correctly", func() {
		q := queue.NewFifo[string](1)
		Expect(q).ToNot(BeNil())

		q.Enqueue("element")
		Expect(q.Len()).To(Equal(1))

		elem, ok := q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(elem).To(Equal("element"))
		Expect(q.Len()).To(Equal(0))
	})

	It("Will handle a series of 'enqueue' operations followed by a series of 'dequeue' operations", func() {
		q := queue.NewFifo[string](1)
		alphabet := "abcdefghijklmnopqrstuvwxyz"

		for i := 0; i < len(alphabet); i++ {
			q.Enqueue(alphabet[i : i+1])
			Expect(q.Len()).To(Equal(i + 1))
		}

		length := len(alphabet)
		for i := 0; i < len(alphabet); i++ {
			Expect(q.Len()).To(Equal(length))

			val, ok := q.Dequeue()
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal(alphabet[i : i+1]))

			length -= 1
		}
	})

	It("Will correctly handle a series of intermingled 'enqueue' and 'dequeue' operations", func() {
		q := queue.NewFifo[string](1)

		q.Enqueue("a")
		q.Enqueue("b")
		q.Enqueue("c")
		Expect(q.Len()).To(Equal(3))

		val, ok := q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal("a"))

		val, ok = q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal("b"))

		q.Enqueue("d")
		q.Enqueue("e")
		Expect(q.Len()).To(Equal(3))

		q.Enqueue("f")
		Expect(q.Len()).To(Equal(4))

		for _, expected := range []string{"c", "d", "e", "f"} {
			val, ok = q.Dequeue()
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal(expected))
		}
		Expect(q.Len()).To(Equal(0))

		val, ok = q.Dequeue()
		Expect(ok).To(BeFalse())
		Expect(val).To(Equal(""))

		q.Enqueue("g")
		Expect(q.Len()).To(Equal(1))

		val, ok = q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal("g"))
		Expect(q.Len()).To(Equal(0))
	})

	It("Will report how many elements were cleared", func() {
		q := queue.NewFifo[int](4)
		for i := 0; i < 5; i++ {
			q.Enqueue(i)
		}

		Expect(q.Clear()).To(Equal(5))
		Expect(q.Len()).To(Equal(0))

		_, ok := q.Dequeue()
		Expect(ok).To(BeFalse())

		q.Enqueue(7)
		val, ok := q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal(7))
	})
})
