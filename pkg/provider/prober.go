package provider

import "context"

// Prober sends a fixed query through a Dispatcher to check whether a
// provider has recovered.
type Prober struct {
	Dispatcher Dispatcher
	Query      string
}

// Probe dispatches the probe query and returns the cost it incurred.
func (p Prober) Probe(ctx context.Context, providerID string) (float64, error) {
	resp, err := p.Dispatcher.Send(ctx, providerID, p.Query)
	if err != nil {
		return 0, err
	}
	return resp.Cost, nil
}
