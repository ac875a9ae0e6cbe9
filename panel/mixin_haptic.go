package panel

import (
	"context"

	"github.com/golang/glog"
)

// performs haptic feedback on the device
type HapticActuator func(haptic HapticType)

// the vibrate preference. Haptic events reach the actuator only when vibrate is on
type HapticsMixin struct {
	store    PreferenceStore
	actuator HapticActuator
	haptics  *SliceWriter[HapticsSlice]
}

// `store` and `actuator` may be nil
func NewHapticsMixin(store PreferenceStore, actuator HapticActuator) *HapticsMixin {
	return &HapticsMixin{
		store:    store,
		actuator: actuator,
	}
}

func (self *HapticsMixin) Name() string {
	return "haptics"
}

func (self *HapticsMixin) Claim(host *Host) error {
	haptics, err := ClaimSlice(host, HapticsField)
	if err != nil {
		return err
	}
	self.haptics = haptics
	return nil
}

func (self *HapticsMixin) FirstRender(ctx context.Context, host *Host) {
	Listen(host.Bus(), func(ctx context.Context, event VibrateEvent) error {
		self.haptics.Modify(func(haptics HapticsSlice) HapticsSlice {
			haptics.Vibrate = event.Vibrate
			return haptics
		})
		return nil
	})
	Listen(host.Bus(), func(ctx context.Context, event HapticEvent) error {
		haptics, ok := self.haptics.Get()
		if !ok || !haptics.Vibrate || self.actuator == nil {
			glog.V(2).Infof("[haptics]drop %s\n", event.Haptic)
			return nil
		}
		self.actuator(event.Haptic)
		return nil
	})
}

func (self *HapticsMixin) StateChanged(host *Host, prev *State, next *State) {
	if prev != nil && prev.Haptics != next.Haptics {
		persistPreferences(self.store, next)
	}
}
