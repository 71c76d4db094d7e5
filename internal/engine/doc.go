// Package engine executes deposits: it moves funds through the external
// ledger and keeps the plan ledger consistent with what actually moved.
//
// ARCHITECTURE:
//
// Per-Plan Exclusive Execution:
// Every execution runs inside plan.Store.Exec, so the due check, the
// owner-to-pool transfer and the deposit record form one atomic unit with
// respect to every other mutation of the same plan. Different plans execute
// in parallel.
//
// Execution Flow:
//  1. Re-check active and due under the plan lock
//  2. Pull DepositAmount from the owner into the pool (TransferFrom)
//  3. Record the deposit (plan total, portfolio, TVL, cycle restart)
//  4. Forward the amount from the pool to the yield pool (Transfer)
//  5. Emit deposit_executed
//
// The plan ledger is only touched after step 2 succeeds. A failed pull
// leaves the plan unchanged and still due, so it is retried on the next
// trigger. Once the pull has started the execution is not cancellable: the
// forward runs on a context detached from the caller's cancellation.
//
// Batches are best-effort. Each item is re-checked when it runs, a failing
// item is skipped and logged, and completed items are never rolled back.
package engine
