package registry

// registryABI is the interface of the on-chain capability registry. Entries
// are keyed by an immutable agent id; metadata lives off-chain behind the
// registered URI.
const registryABI = `[
  {"type":"function","name":"registerAgent","stateMutability":"nonpayable",
   "inputs":[{"name":"agentId","type":"string"},{"name":"metadataURI","type":"string"}],"outputs":[]},
  {"type":"function","name":"deactivateAgent","stateMutability":"nonpayable",
   "inputs":[{"name":"agentId","type":"string"}],"outputs":[]},
  {"type":"function","name":"indexCapability","stateMutability":"nonpayable",
   "inputs":[{"name":"agentId","type":"string"},{"name":"capability","type":"string"}],"outputs":[]},
  {"type":"function","name":"getAgent","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"string"}],"outputs":[{"name":"metadataURI","type":"string"}]},
  {"type":"function","name":"getRegistration","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"string"}],
   "outputs":[
     {"name":"owner","type":"address"},
     {"name":"metadataURI","type":"string"},
     {"name":"active","type":"bool"},
     {"name":"registeredAt","type":"uint256"},
     {"name":"index","type":"uint256"},
     {"name":"capabilities","type":"string[]"}
   ]},
  {"type":"function","name":"findAgentsByCapability","stateMutability":"view",
   "inputs":[{"name":"capability","type":"string"}],"outputs":[{"name":"agentIds","type":"string[]"}]},
  {"type":"function","name":"getTotalAgents","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"total","type":"uint256"}]},
  {"type":"function","name":"getAllAgents","stateMutability":"view",
   "inputs":[{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],"outputs":[{"name":"agentIds","type":"string[]"}]},
  {"type":"event","name":"AgentRegistered","anonymous":false,
   "inputs":[{"name":"agentId","type":"string","indexed":false},{"name":"owner","type":"address","indexed":false},{"name":"metadataURI","type":"string","indexed":false}]},
  {"type":"event","name":"AgentUpdated","anonymous":false,
   "inputs":[{"name":"agentId","type":"string","indexed":false},{"name":"metadataURI","type":"string","indexed":false}]},
  {"type":"event","name":"AgentDeactivated","anonymous":false,
   "inputs":[{"name":"agentId","type":"string","indexed":false}]},
  {"type":"event","name":"CapabilityIndexed","anonymous":false,
   "inputs":[{"name":"agentId","type":"string","indexed":false},{"name":"capability","type":"string","indexed":false}]}
]`

var eventTypes = map[string]EventType{
	"AgentRegistered":   EventRegistered,
	"AgentUpdated":      EventUpdated,
	"AgentDeactivated":  EventDeactivated,
	"CapabilityIndexed": EventCapabilityIndexed,
}
