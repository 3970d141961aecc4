// Package flow implementa el Flow Orchestrator: el estado explícito que va
// desde una solicitud /authorize hasta el minteo de un código o token en el
// gateway, o un Fail con un error OAuth2. Una invocación HTTP = una cadena
// de llamadas a funciones, sin goroutines ni canales propios -- el trabajo
// de un flujo es lineal dentro de un mismo request, como exige el modelo de
// concurrencia. Grounded en la forma de `authorize_service.go`/
// `consent_service.go`/`token_service_impl.go` del stack de referencia,
// generalizados a un dispatcher de estados explícito.
package flow

// State identifica un punto del estado de la máquina de autorización.
type State string

const (
	StateAuthorizeStart    State = "AuthorizeStart"
	StateValidateScope     State = "ValidateScope"
	StateCheckSession      State = "CheckSession"
	StateLoginUi           State = "LoginUi"
	StateUserReconcile     State = "UserReconcile"
	StateRegistrationDecide State = "RegistrationDecide"
	StateRegistrationFlow  State = "RegistrationFlow"
	StateRegisterUi        State = "RegisterUi"
	StateSelectNamespace   State = "SelectNamespace"
	StateAuthorizeDecide   State = "AuthorizeDecide"
	StatePassthroughScope  State = "PassthroughScope"
	StateScopeConsent      State = "ScopeConsent"
	StateMintWithGateway   State = "MintWithGateway"
	StateFail              State = "Fail"
)
