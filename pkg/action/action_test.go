package action_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/vehicle-session/pkg/action"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

func decodePlain(cmd *protocol.PlainCommand) *protocol.CommandRequest {
	encoded, err := cmd.Serialize("req", "VIN")
	Expect(err).ToNot(HaveOccurred())
	request, err := protocol.DecodeCommandRequest(encoded)
	Expect(err).ToNot(HaveOccurred())
	return request
}

func decodePin(cmd *protocol.PinCommand, pin string) *protocol.CommandRequest {
	encoded, err := cmd.Serialize("req", "VIN", pin)
	Expect(err).ToNot(HaveOccurred())
	request, err := protocol.DecodeCommandRequest(encoded)
	Expect(err).ToNot(HaveOccurred())
	return request
}

var _ = Describe("Closure", func() {
	Describe("Lock", func() {
		It("does not require a pin", func() {
			request := decodePlain(action.Lock())
			Expect(request.Command).To(Equal("doors-lock"))
			Expect(request.PIN).To(BeEmpty())
			Expect(request.VIN).To(Equal("VIN"))
			Expect(request.RequestID).To(Equal("req"))
		})
	})

	Describe("Unlock", func() {
		It("embeds the pin", func() {
			cmd := action.Unlock()
			Expect(cmd.Reason).ToNot(BeEmpty())
			request := decodePin(cmd, "1234")
			Expect(request.Command).To(Equal("doors-unlock"))
			Expect(request.PIN).To(Equal("1234"))
		})
	})

	Describe("Windows", func() {
		It("requires a pin to open", func() {
			Expect(decodePin(action.OpenWindows(), "0000").Command).To(Equal("windows-open"))
		})

		It("closes without a pin", func() {
			Expect(decodePlain(action.CloseWindows()).Command).To(Equal("windows-close"))
		})

		It("rejects an invalid vent level", func() {
			_, err := action.VentWindows(101)
			Expect(err).To(HaveOccurred())
		})

		It("encodes the vent level", func() {
			cmd, err := action.VentWindows(40)
			Expect(err).ToNot(HaveOccurred())
			request := decodePin(cmd, "0000")
			Expect(request.Parameters).To(ConsistOf(protocol.Parameter{Name: "level", Value: "40"}))
		})
	})

	Describe("Sunroof", func() {
		It("uses the sunroof closure", func() {
			Expect(decodePin(action.OpenSunroof(), "1").Command).To(Equal("sunroof-open"))
			Expect(decodePlain(action.CloseSunroof()).Command).To(Equal("sunroof-close"))
		})
	})
})

var _ = Describe("Climate", func() {
	It("starts and stops aux heat", func() {
		Expect(action.AuxHeatStart().Name()).To(Equal("auxheat-start"))
		Expect(action.AuxHeatStop().Name()).To(Equal("auxheat-stop"))
	})

	It("configures aux heat", func() {
		cmd, err := action.AuxHeatConfigure(action.LevelHigh, 7*60)
		Expect(err).ToNot(HaveOccurred())
		Expect(decodePlain(cmd).Parameters).To(Equal([]protocol.Parameter{
			{Name: "level", Value: "3"},
			{Name: "departure", Value: "420"},
		}))
	})

	It("rejects an out of range departure time", func() {
		_, err := action.AuxHeatConfigure(action.LevelLow, 24*60)
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unknown level", func() {
		_, err := action.AuxHeatConfigure(action.Level(9), 0)
		Expect(err).To(HaveOccurred())
	})

	It("controls preconditioning", func() {
		Expect(action.PreconditionStart().Name()).To(Equal("zev-precondition-start"))
		Expect(action.PreconditionStop().Name()).To(Equal("zev-precondition-stop"))
	})
})

var _ = Describe("Charge", func() {
	It("toggles charge optimization", func() {
		request := decodePlain(action.ChargeOptimization(true))
		Expect(request.Command).To(Equal("charge-optimization"))
		Expect(request.Parameters).To(ConsistOf(protocol.Parameter{Name: "enabled", Value: "true"}))
	})

	It("selects a charge program", func() {
		cmd, err := action.ChargeProgramSelect(action.ChargeProgramHome, 80)
		Expect(err).ToNot(HaveOccurred())
		Expect(decodePlain(cmd).Parameters).To(ContainElement(protocol.Parameter{Name: "max_soc", Value: "80"}))
	})

	It("rejects charge limits that are not multiples of ten", func() {
		_, err := action.ChargeProgramSelect(action.ChargeProgramDefault, 85)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Exterior", func() {
	It("signals the vehicle position", func() {
		cmd, err := action.Signal(action.SignalHornLights, 10*time.Second)
		Expect(err).ToNot(HaveOccurred())
		request := decodePlain(cmd)
		Expect(request.Command).To(Equal("signal-position"))
		Expect(request.Parameters).To(ContainElement(protocol.Parameter{Name: "seconds", Value: "10"}))
	})

	It("rejects long signals", func() {
		_, err := action.Signal(action.SignalLights, time.Minute)
		Expect(err).To(HaveOccurred())
	})

	It("rejects unknown signal types", func() {
		_, err := action.Signal(action.SignalType("siren"), time.Second)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Security", func() {
	It("requires a pin to start the engine", func() {
		request := decodePin(action.EngineStart(), "4321")
		Expect(request.Command).To(Equal("engine-start"))
		Expect(request.PIN).To(Equal("4321"))
	})

	It("stops the engine without a pin", func() {
		Expect(decodePlain(action.EngineStop()).Command).To(Equal("engine-stop"))
	})

	It("selects the interior alarm", func() {
		Expect(action.TheftAlarmSelectInterior(true).Name()).To(Equal("theft-alarm-select-interior"))
		Expect(action.TheftAlarmSelectInterior(false).Name()).To(Equal("theft-alarm-deselect-interior"))
		Expect(action.TheftAlarmStop().Name()).To(Equal("theft-alarm-stop"))
	})
})
