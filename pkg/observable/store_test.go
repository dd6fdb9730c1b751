package observable_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/observable"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

func testStatus(seq int32) *protocol.VehicleStatus {
	return &protocol.VehicleStatus{
		VIN:            "VIN123",
		SequenceNumber: seq,
		UpdatedAt:      time.Unix(1700000000, 0),
		Attributes: map[string]protocol.Attribute{
			"doorlockstatusvehicle": {Kind: protocol.KindInt, Int: 2},
			"tirepressurefrontleft": {Kind: protocol.KindDouble, Double: 2.4, Unit: "bar"},
			"soc":                   {Kind: protocol.KindInt, Int: 80, Unit: "%"},
		},
	}
}

var _ = Describe("Store", func() {
	var (
		publisher *observable.Publisher
		store     *observable.Store
	)

	BeforeEach(func() {
		publisher = observable.NewPublisher()
		store = publisher.Store()
	})

	Describe("Update", func() {
		It("publishes only the selected groups", func() {
			var doors, tires []protocol.AttributeGroup
			store.Doors().Subscribe(func(g protocol.AttributeGroup) { doors = append(doors, g) })
			store.Tires().Subscribe(func(g protocol.AttributeGroup) { tires = append(tires, g) })

			publisher.Update(testStatus(5), protocol.NewUpdateTypes(protocol.UpdateDoors), true)

			Expect(doors).To(HaveLen(1))
			Expect(doors[0].Attributes).To(HaveKey("doorlockstatusvehicle"))
			Expect(doors[0].Attributes).ToNot(HaveKey("soc"))
			Expect(tires).To(BeEmpty())
			Expect(store.Tires().Value().Attributes).To(BeNil())
			Expect(store.SequenceNumber.Value()).To(Equal(int32(5)))
			Expect(store.Status.Value().VIN).To(Equal("VIN123"))
		})

		It("updates silently without notifying", func() {
			called := false
			store.Battery().Subscribe(func(protocol.AttributeGroup) { called = true })
			store.SequenceNumber.Subscribe(func(int32) { called = true })

			publisher.Update(testStatus(7), protocol.AllUpdateTypes, false)

			Expect(called).To(BeFalse())
			soc, ok := store.Battery().Value().Get("soc")
			Expect(ok).To(BeTrue())
			Expect(soc.Format()).To(Equal("80 %"))
			Expect(store.SequenceNumber.Value()).To(Equal(int32(7)))
		})
	})

	Describe("RefreshAll", func() {
		It("publishes every group", func() {
			notified := map[protocol.UpdateType]bool{}
			for i := 0; i < protocol.NumUpdateTypes; i++ {
				t := protocol.UpdateType(i)
				store.Group(t).Subscribe(func(protocol.AttributeGroup) { notified[t] = true })
			}
			publisher.RefreshAll(testStatus(1), true)
			Expect(notified).To(HaveLen(protocol.NumUpdateTypes))
		})

		It("clears fields when there is no status", func() {
			publisher.RefreshAll(testStatus(1), false)
			publisher.RefreshAll(nil, false)
			Expect(store.Doors().Value().Attributes).To(BeEmpty())
			Expect(store.Status.Value()).To(BeNil())
			Expect(store.SequenceNumber.Value()).To(BeZero())
		})
	})

	Describe("Subscribe", func() {
		It("notifies in subscription order", func() {
			var order []int
			store.ConnectionState.Subscribe(func(connector.State) { order = append(order, 1) })
			store.ConnectionState.Subscribe(func(connector.State) { order = append(order, 2) })
			store.ConnectionState.Subscribe(func(connector.State) { order = append(order, 3) })
			publisher.SetConnectionState(connector.State{Status: connector.StatusConnected})
			Expect(order).To(Equal([]int{1, 2, 3}))
			Expect(store.ConnectionState.Value().Status).To(Equal(connector.StatusConnected))
		})

		It("stops notifying after Unsubscribe", func() {
			count := 0
			id := store.EcoScore().Subscribe(func(protocol.AttributeGroup) { count++ })
			publisher.RefreshAll(testStatus(1), true)
			Expect(store.EcoScore().Unsubscribe(id)).To(BeTrue())
			Expect(store.EcoScore().Unsubscribe(id)).To(BeFalse())
			publisher.RefreshAll(testStatus(2), true)
			Expect(count).To(Equal(1))
		})

		It("allows callbacks to read the field", func() {
			var seen int32
			store.SequenceNumber.Subscribe(func(int32) { seen = store.SequenceNumber.Value() })
			publisher.Update(testStatus(9), 0, true)
			Expect(seen).To(Equal(int32(9)))
		})
	})
})
