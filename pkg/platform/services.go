package platform

// Well-known service URIs of the application's own components. Health facts
// about orchestration progress land on these services.
const (
	ApplicationURI        = "fabric:/PatchOrchestrationApplication"
	CoordinatorServiceURI = "fabric:/PatchOrchestrationApplication/CoordinatorService"
	NodeAgentServiceURI   = "fabric:/PatchOrchestrationApplication/NodeAgentService"
)
