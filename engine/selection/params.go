package selection

import "fmt"

// DefaultSwapCost is the Claims price of a swap once the free quota is spent.
const DefaultSwapCost = 25

// Params controls the swap economy of a selection program.
type Params struct {
	SwapCost int64
}

// ApplyDefaults ensures unset fields fall back to module defaults.
func (p *Params) ApplyDefaults() *Params {
	if p == nil {
		return nil
	}
	if p.SwapCost == 0 {
		p.SwapCost = DefaultSwapCost
	}
	return p
}

// Validate performs static validation of the parameters.
func (p *Params) Validate() error {
	if p == nil {
		return fmt.Errorf("nil selection params")
	}
	if p.SwapCost < 0 {
		return fmt.Errorf("swap cost must not be negative: %d", p.SwapCost)
	}
	return nil
}
