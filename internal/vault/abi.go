package vault

// superVaultABI covers the subset of the SuperVault contract the strategist calls.
// Every mutating call carries a bytes32 reference derived from the decision id and
// leg; the contract rejects a reference it has already executed.
const superVaultABI = `[
  {"type":"function","name":"totalAssets","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"strategyBalance","stateMutability":"view",
   "inputs":[{"name":"slot","type":"uint8"},{"name":"asset","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allocate","stateMutability":"nonpayable",
   "inputs":[{"name":"slot","type":"uint8"},{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"ref","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable",
   "inputs":[{"name":"slot","type":"uint8"},{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"ref","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"emergencyWithdraw","stateMutability":"nonpayable",
   "inputs":[{"name":"slot","type":"uint8"},{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"ref","type":"bytes32"}],
   "outputs":[]}
]`
