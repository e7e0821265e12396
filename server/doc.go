// Package server implements the authorization server core: the /authorize
// front-channel flow, upstream identity-provider federation, the upstream
// callback leg, and the token endpoint with authorization-code redemption
// and refresh-token rotation.
//
// The orchestration is stateless request/response processing over the
// repository contracts in the storage package; all cross-request
// coordination happens in the store. Per downstream transaction the flow is
//
//	received → validated → routed upstream → upstream callback → code issued → redeemed
//
// with an error path from every state before code issuance. Outcomes are
// closed tagged sets (AuthorizeOutcome, CallbackOutcome) so transports must
// handle every variant explicitly.
package server
